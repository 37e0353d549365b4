// Package reconciliation audits the ledger: every escrow account is
// re-folded from its events and compared with its stored sums, and payment
// events that failed or never finished processing are counted.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/escrow"
	"github.com/mbd888/tradeflow/internal/ledger"
)

// Report is the outcome of one reconciliation run.
type Report struct {
	StartedAt      time.Time                  `json:"startedAt"`
	Duration       string                     `json:"duration"`
	EscrowsChecked int                        `json:"escrowsChecked"`
	Drift          []*escrow.Drift            `json:"drift"`
	HeldByCurrency map[string]decimal.Decimal `json:"heldByCurrency"`
	FailedEvents   []*ledger.ProcessedEvent   `json:"failedEvents"`
	StuckEvents    []*ledger.ProcessedEvent   `json:"stuckEvents"`
}

// Healthy reports whether the run found nothing to act on.
func (r *Report) Healthy() bool {
	return len(r.Drift) == 0 && len(r.StuckEvents) == 0
}

// Runner performs reconciliation runs and keeps the latest report.
type Runner struct {
	store      ledger.Store
	logger     *slog.Logger
	pageSize   int
	stuckAfter time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner.
func NewRunner(store ledger.Store, logger *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		logger:     logger,
		pageSize:   500,
		stuckAfter: 5 * time.Minute,
		now:        time.Now,
	}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunAll audits every escrow account and the payment event log.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{
		StartedAt:      start,
		Drift:          []*escrow.Drift{},
		HeldByCurrency: map[string]decimal.Decimal{},
	}

	if err := r.checkEscrows(ctx, rep); err != nil {
		runErrors.Inc()
		return nil, err
	}
	if err := r.checkEvents(ctx, rep); err != nil {
		runErrors.Inc()
		return nil, err
	}

	elapsed := r.now().Sub(start)
	rep.Duration = elapsed.String()
	runDuration.Observe(elapsed.Seconds())
	driftedEscrows.Set(float64(len(rep.Drift)))
	failedEvents.Set(float64(len(rep.FailedEvents)))
	stuckEvents.Set(float64(len(rep.StuckEvents)))

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	if rep.Healthy() {
		r.logger.Info("reconciliation clean", "escrows", rep.EscrowsChecked, "failed_events", len(rep.FailedEvents))
	} else {
		r.logger.Error("reconciliation found discrepancies",
			"escrows", rep.EscrowsChecked, "drift", len(rep.Drift), "stuck_events", len(rep.StuckEvents))
	}
	return rep, nil
}

func (r *Runner) checkEscrows(ctx context.Context, rep *Report) error {
	after := ""
	for {
		page, err := r.store.ListEscrows(ctx, after, r.pageSize)
		if err != nil {
			return fmt.Errorf("list escrows: %w", err)
		}
		for _, acct := range page {
			events, err := r.store.ListEscrowEvents(ctx, acct.ID)
			if err != nil {
				return fmt.Errorf("list events for %s: %w", acct.ID, err)
			}
			rep.EscrowsChecked++
			if d := escrow.Verify(acct, events); d != nil {
				rep.Drift = append(rep.Drift, d)
				r.logger.Error("escrow drift", "escrow_id", acct.ID, "detail", d.Detail)
			}
			if acct.HeldAmount.IsPositive() {
				rep.HeldByCurrency[acct.Currency] = rep.HeldByCurrency[acct.Currency].Add(acct.HeldAmount)
			}
		}
		if len(page) < r.pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (r *Runner) checkEvents(ctx context.Context, rep *Report) error {
	failed, err := r.store.ListExternalEvents(ctx, ledger.ProcessedFailed, r.pageSize)
	if err != nil {
		return fmt.Errorf("list failed events: %w", err)
	}
	rep.FailedEvents = nonNil(failed)

	processing, err := r.store.ListExternalEvents(ctx, ledger.ProcessedProcessing, r.pageSize)
	if err != nil {
		return fmt.Errorf("list processing events: %w", err)
	}
	cutoff := r.now().Add(-r.stuckAfter)
	rep.StuckEvents = []*ledger.ProcessedEvent{}
	for _, ev := range processing {
		if ev.UpdatedAt.Before(cutoff) {
			rep.StuckEvents = append(rep.StuckEvents, ev)
		}
	}
	return nil
}

func nonNil(evs []*ledger.ProcessedEvent) []*ledger.ProcessedEvent {
	if evs == nil {
		return []*ledger.ProcessedEvent{}
	}
	return evs
}
