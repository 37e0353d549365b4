package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Disputes opened.",
	})

	disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "dispute",
		Name:      "resolved_total",
		Help:      "Disputes resolved, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(disputesOpened, disputesResolved)
}
