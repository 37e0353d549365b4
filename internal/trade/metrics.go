package trade

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tradeflow/internal/apperr"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "trade",
		Name:      "transitions_total",
		Help:      "Trade transitions by event and result code.",
	}, []string{"event", "result"})

	createdTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "trade",
		Name:      "created_total",
		Help:      "Trades created, by mode (rfq or checkout).",
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, createdTotal)
}

func recordTransition(ev Event, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
	}
	transitionsTotal.WithLabelValues(string(ev), result).Inc()
}

func recordCreated(checkout bool) {
	mode := "rfq"
	if checkout {
		mode = "checkout"
	}
	createdTotal.WithLabelValues(mode).Inc()
}
