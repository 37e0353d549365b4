// Package notify fans trade lifecycle notifications out to best-effort sinks
// (subscriber webhooks, Kafka, WebSocket clients).
//
// Notifications are emitted only after the ledger unit of work that produced
// them has committed. Delivery failures are logged and counted, never
// returned to the caller that moved the money.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event types carried by notifications.
const (
	TypeTradeCreated      = "trade.created"
	TypeTradeTransitioned = "trade.transitioned"
	TypeEscrowHold        = "escrow.hold"
	TypeEscrowRelease     = "escrow.release"
	TypeEscrowPartial     = "escrow.partial_release"
	TypeEscrowRefund      = "escrow.refund"
	TypeDisputeOpened     = "dispute.opened"
	TypeDisputeEscalated  = "dispute.escalated"
	TypeDisputeResolved   = "dispute.resolved"
)

// Notification describes something that happened to a trade.
type Notification struct {
	TradeID    string         `json:"tradeId"`
	EventType  string         `json:"eventType"`
	Parties    []string       `json:"parties,omitempty"` // buyer and seller company ids
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Notifier delivers a notification to one sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by sink and result.",
	}, []string{"sink", "result"})

	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeflow",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the async queue was full or stopped.",
	})
)

func init() {
	prometheus.MustRegister(notificationsTotal, notificationsDropped)
}

// Sink is a named Notifier inside a Fanout.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers to every sink in order. A failing sink does not stop the
// others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fanout over sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Add appends a sink.
func (f *Fanout) Add(name string, n Notifier) {
	f.sinks = append(f.sinks, Sink{Name: name, Notifier: n})
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	for _, s := range f.sinks {
		if err := s.Notifier.Notify(ctx, n); err != nil {
			notificationsTotal.WithLabelValues(s.Name, "error").Inc()
			f.logger.Warn("notification delivery failed",
				"sink", s.Name, "trade_id", n.TradeID, "event", n.EventType, "error", err)
			continue
		}
		notificationsTotal.WithLabelValues(s.Name, "ok").Inc()
	}
	return nil
}

// Async queues notifications and delivers them on a background goroutine.
// Notify never blocks: when the queue is full the notification is dropped.
type Async struct {
	next    Notifier
	queue   chan Notification
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	stopped bool
	running atomic.Bool
	done    chan struct{}
}

// NewAsync creates an async wrapper with a bounded queue.
func NewAsync(next Notifier, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Async{
		next:    next,
		queue:   make(chan Notification, queueSize),
		logger:  logger,
		timeout: 15 * time.Second,
		done:    make(chan struct{}),
	}
}

// Notify enqueues n.
func (a *Async) Notify(_ context.Context, n Notification) error {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		notificationsDropped.Inc()
		return nil
	}
	select {
	case a.queue <- n:
	default:
		notificationsDropped.Inc()
		a.logger.Warn("notification queue full, dropping", "trade_id", n.TradeID, "event", n.EventType)
	}
	return nil
}

// Run delivers queued notifications until Stop is called. Blocks.
func (a *Async) Run() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	defer close(a.done)
	for n := range a.queue {
		a.deliver(n)
	}
}

// Stop closes the queue and waits for queued notifications to drain. When
// Run has not claimed the queue yet, Stop drains it on the caller's goroutine
// and a later Run returns immediately.
func (a *Async) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()
	if a.running.CompareAndSwap(false, true) {
		for n := range a.queue {
			a.deliver(n)
		}
		close(a.done)
		return
	}
	<-a.done
}

func (a *Async) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in notification sink", "panic", r, "trade_id", n.TradeID)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, n); err != nil {
		a.logger.Warn("notification failed", "trade_id", n.TradeID, "event", n.EventType, "error", err)
	}
}

// Publish hands every notification to n. Nil n is a no-op.
func Publish(ctx context.Context, n Notifier, notes ...Notification) {
	if n == nil {
		return
	}
	for _, note := range notes {
		_ = n.Notify(ctx, note)
	}
}
