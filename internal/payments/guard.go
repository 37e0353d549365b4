package payments

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradeflow/internal/ledger"
)

// Guard enforces exactly-once processing of provider events. The claim is
// the first write of the unit of work that applies the event, so a
// rollback releases it and a commit makes every later delivery a duplicate.
type Guard struct {
	store ledger.Store
	now   func() time.Time
}

// NewGuard creates an idempotency guard over store.
func NewGuard(store ledger.Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Claim records env as processing inside tx. A second claim of the same
// event id fails with ledger.ErrDuplicateEvent.
func (g *Guard) Claim(ctx context.Context, tx ledger.Tx, env *Envelope) error {
	now := g.now()
	return tx.ClaimExternalEvent(ctx, &ledger.ProcessedEvent{
		EventID:    env.ID,
		EventType:  env.Type,
		Status:     ledger.ProcessedProcessing,
		ReceivedAt: now,
		UpdatedAt:  now,
	})
}

// Complete marks a claimed event as completed inside tx.
func (g *Guard) Complete(ctx context.Context, tx ledger.Tx, eventID, detail string) error {
	return tx.FinishExternalEvent(ctx, eventID, ledger.ProcessedCompleted, detail)
}

// Fail records env as failed in its own unit of work, after the unit of
// work that tried to apply it rolled back.
func (g *Guard) Fail(ctx context.Context, env *Envelope, reason string) error {
	return g.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		now := g.now()
		err := tx.ClaimExternalEvent(ctx, &ledger.ProcessedEvent{
			EventID:    env.ID,
			EventType:  env.Type,
			Status:     ledger.ProcessedFailed,
			Detail:     reason,
			ReceivedAt: now,
			UpdatedAt:  now,
		})
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return tx.FinishExternalEvent(ctx, env.ID, ledger.ProcessedFailed, reason)
		}
		return err
	})
}
