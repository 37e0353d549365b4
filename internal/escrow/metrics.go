package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/ledger"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Escrow operations applied, by operation and cause.",
	}, []string{"op", "cause"})

	opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "escrow",
		Name:      "operation_errors_total",
		Help:      "Rejected escrow operations by operation and error code.",
	}, []string{"op", "code"})

	amountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "escrow",
		Name:      "amount_total",
		Help:      "Sum of amounts moved by escrow operations (approximate, for dashboards).",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(opsTotal, opErrors, amountTotal)
}

func observeOp(op Op, cause ledger.Cause, amount decimal.Decimal, err error) {
	if err != nil {
		opErrors.WithLabelValues(string(op), apperr.CodeOf(err)).Inc()
		return
	}
	opsTotal.WithLabelValues(string(op), string(cause)).Inc()
	amountTotal.WithLabelValues(string(op)).Add(amount.InexactFloat64())
}
