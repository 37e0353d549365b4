package readiness

import "github.com/prometheus/client_golang/prometheus"

var (
	signalFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "readiness",
		Name:      "signal_fetches_total",
		Help:      "Signal lookups by component and resulting state.",
	}, []string{"component", "state"})

	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "readiness",
		Name:      "evaluations_total",
		Help:      "Readiness evaluations by resulting status.",
	}, []string{"status"})

	blockedTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeflow",
		Subsystem: "readiness",
		Name:      "blocked_trades",
		Help:      "In-flight trades whose last rescoring was blocked.",
	})
)

func init() {
	prometheus.MustRegister(signalFetches, evaluationsTotal, blockedTrades)
}
