package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeflow/internal/ledger"
)

// inFlight are the statuses the rescoring timer refreshes.
var inFlight = []ledger.TradeStatus{
	ledger.TradeContracted,
	ledger.TradeEscrowFunded,
	ledger.TradeShipped,
	ledger.TradeDelivered,
	ledger.TradeDisputed,
	ledger.TradeResolved,
}

// Timer periodically re-scores in-flight trades. This keeps the
// last-known signal cache warm and the blocked-trades gauge current.
type Timer struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a rescoring timer.
func NewTimer(svc *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Timer{
		svc:      svc,
		interval: interval,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in readiness timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("readiness rescoring failed", "error", err)
	}
}

// RunOnce re-scores every in-flight trade and returns how many are blocked.
func (t *Timer) RunOnce(ctx context.Context) (int, error) {
	trades, err := t.svc.store.ListTradesByStatus(ctx, inFlight, t.batch)
	if err != nil {
		return 0, err
	}

	blocked := 0
	for _, tr := range trades {
		if ctx.Err() != nil {
			return blocked, ctx.Err()
		}
		snap, err := t.svc.EvaluateTrade(ctx, tr)
		if err != nil {
			t.logger.Warn("readiness rescoring skipped trade", "trade_id", tr.ID, "error", err)
			continue
		}
		if snap.Status == StatusBlocked {
			blocked++
		}
	}

	blockedTrades.Set(float64(blocked))
	t.logger.Info("readiness rescoring complete", "trades", len(trades), "blocked", blocked)
	return blocked, nil
}
