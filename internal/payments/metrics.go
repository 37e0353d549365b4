package payments

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "payments",
		Name:      "webhook_events_total",
		Help:      "Provider webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	signatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "payments",
		Name:      "signature_failures_total",
		Help:      "Webhook deliveries rejected for a bad signature.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, signatureFailures)
}

func observeEvent(eventType string, res *Result, err error) {
	if _, known := OpFor(eventType); !known {
		eventType = "other"
	}
	outcome := "transient"
	switch {
	case res != nil:
		outcome = string(res.Outcome)
	case err != nil && isDeferred(err):
		outcome = "deferred"
	}
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}
