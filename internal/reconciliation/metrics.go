package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	driftedEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeflow",
		Subsystem: "reconciliation",
		Name:      "drifted_escrows",
		Help:      "Escrow accounts whose stored sums disagree with their events in the last run.",
	})

	failedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeflow",
		Subsystem: "reconciliation",
		Name:      "failed_payment_events",
		Help:      "Payment events recorded as failed in the last run.",
	})

	stuckEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeflow",
		Subsystem: "reconciliation",
		Name:      "stuck_payment_events",
		Help:      "Payment events left in processing in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeflow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(driftedEscrows, failedEvents, stuckEvents, runDuration, runErrors)
}
