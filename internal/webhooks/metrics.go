package webhooks

import "github.com/prometheus/client_golang/prometheus"

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradeflow",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Subscriber webhook deliveries by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}
