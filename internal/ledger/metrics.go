package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tradeflow/internal/apperr"
)

var (
	// TxTotal counts units of work by outcome.
	TxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger units of work by outcome (committed or the error kind that rolled them back).",
		},
		[]string{"outcome"},
	)

	// TxDuration observes unit-of-work latency.
	TxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradeflow",
			Subsystem: "ledger",
			Name:      "transaction_duration_seconds",
			Help:      "Ledger unit-of-work duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

func init() {
	prometheus.MustRegister(TxTotal, TxDuration)
}

// observeTx starts timing a unit of work and returns a function that records
// its outcome.
func observeTx() func(err error) {
	start := time.Now()
	return func(err error) {
		TxDuration.Observe(time.Since(start).Seconds())
		outcome := "committed"
		if err != nil {
			outcome = apperr.KindOf(err).String()
		}
		TxTotal.WithLabelValues(outcome).Inc()
	}
}
