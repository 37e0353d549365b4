// Package payments reconciles the payment provider's asynchronous webhook
// events against the ledger exactly once.
//
// Each event is applied in one unit of work whose first write is the
// idempotency claim. Failures are sorted into three classes: transient ones
// roll back and ask the provider to retry, deferred ones (the event arrived
// before the state it depends on) roll back with a conflict, and
// unrecoverable ones are recorded as failed so the provider stops retrying.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/escrow"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/retry"
	"github.com/mbd888/tradeflow/internal/syncutil"
	"github.com/mbd888/tradeflow/internal/trade"
	"github.com/mbd888/tradeflow/internal/traces"
	"github.com/mbd888/tradeflow/internal/validation"
)

// ProviderActor attributes webhook-driven changes.
const ProviderActor = "payment_provider"

// ErrDeferred means the event depends on state that has not arrived yet.
var ErrDeferred = apperr.New(apperr.KindConflict, "event_deferred", "event cannot be applied yet; retry later")

// Outcome is how an event was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Result is the provider-facing result of handling an event.
type Result struct {
	EventID  string  `json:"eventId"`
	Outcome  Outcome `json:"status"`
	Detail   string  `json:"detail,omitempty"`
	EscrowID string  `json:"escrowId,omitempty"`
}

// OpFor maps a provider event type to an escrow operation.
func OpFor(eventType string) (escrow.Op, bool) {
	switch eventType {
	case "escrow.hold.succeeded", "payment_intent.succeeded":
		return escrow.OpHold, true
	case "escrow.release.succeeded", "transfer.created":
		return escrow.OpRelease, true
	case "escrow.refund.succeeded", "charge.refunded":
		return escrow.OpRefund, true
	}
	return "", false
}

// Config tunes in-process retries of transient failures.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
}

// Reconciler applies verified provider events.
type Reconciler struct {
	store  ledger.Store
	guard  *Guard
	escrow *escrow.Engine
	trades *trade.Service
	cfg    Config
	locks  *syncutil.KeyLock
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store ledger.Store, engine *escrow.Engine, trades *trade.Service, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		guard:  NewGuard(store),
		escrow: engine,
		trades: trades,
		cfg:    cfg,
		locks:  syncutil.NewKeyLock(syncutil.DefaultShards),
		logger: logger,
	}
}

// Handle applies env. A nil error carries the result to acknowledge; a
// non-nil error means the provider must redeliver (ErrDeferred for
// out-of-order events, anything else is transient).
func (r *Reconciler) Handle(ctx context.Context, env *Envelope) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.handle", traces.EventID(env.ID), traces.EventType(env.Type))
	defer func() {
		traces.End(span, err)
		observeEvent(env.Type, res, err)
	}()

	// Events for one escrow are applied one at a time within this process.
	if key := lockKey(env); key != "" {
		unlock, lockErr := r.locks.Lock(ctx, key)
		if lockErr != nil {
			return nil, lockErr
		}
		defer unlock()
	}

	var notes []notify.Notification
	err = retry.Do(ctx, r.cfg.MaxAttempts, r.cfg.BaseDelay, func() error {
		var applyErr error
		res, notes, applyErr = r.apply(ctx, env)
		if applyErr != nil && !transient(applyErr) {
			return retry.Permanent(applyErr)
		}
		return applyErr
	})

	switch {
	case err == nil:
		notify.Publish(ctx, r.escrow.Notifier(), notes...)
		return res, nil
	case errors.Is(err, ledger.ErrDuplicateEvent):
		r.logger.Info("duplicate provider event", "event_id", env.ID, "type", env.Type)
		return &Result{EventID: env.ID, Outcome: OutcomeDuplicate}, nil
	case errors.Is(err, ErrDeferred):
		r.logger.Warn("provider event deferred", "event_id", env.ID, "type", env.Type, "error", err)
		return nil, err
	case transient(err):
		r.logger.Error("provider event failed transiently", "event_id", env.ID, "type", env.Type, "error", err)
		return nil, err
	}

	reason := err.Error()
	if failErr := r.guard.Fail(ctx, env, reason); failErr != nil {
		r.logger.Error("record failed provider event", "event_id", env.ID, "error", failErr)
		return nil, failErr
	}
	r.logger.Warn("provider event rejected", "event_id", env.ID, "type", env.Type, "code", apperr.CodeOf(err), "reason", reason)
	return &Result{EventID: env.ID, Outcome: OutcomeFailed, Detail: reason}, nil
}

func lockKey(env *Envelope) string {
	if env.Object.EscrowID != "" {
		return env.Object.EscrowID
	}
	return env.Object.TradeID
}

// transient reports whether err may succeed on redelivery without any
// other event arriving first.
func transient(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrVersionConflict), errors.Is(err, ledger.ErrTxAborted):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	k := apperr.KindOf(err)
	return k == apperr.KindFatal || k == apperr.KindUpstream
}

// apply runs one attempt in a single unit of work.
func (r *Reconciler) apply(ctx context.Context, env *Envelope) (*Result, []notify.Notification, error) {
	// Fast path for redeliveries, including events recorded as failed before
	// they could be claimed. The claim below stays authoritative.
	if _, err := r.store.GetExternalEvent(ctx, env.ID); err == nil {
		return nil, nil, ledger.ErrDuplicateEvent
	} else if !errors.Is(err, ledger.ErrEventNotFound) {
		return nil, nil, err
	}

	op, known := OpFor(env.Type)
	if !known {
		err := r.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			if err := r.guard.Claim(ctx, tx, env); err != nil {
				return err
			}
			return r.guard.Complete(ctx, tx, env.ID, "ignored: unhandled event type")
		})
		if err != nil {
			return nil, nil, err
		}
		return &Result{EventID: env.ID, Outcome: OutcomeIgnored}, nil, nil
	}

	amount, ok := validation.ParseAmount(env.Object.Amount)
	if !ok {
		return nil, nil, fmt.Errorf("%w: amount %q", ErrInvalidPayload, env.Object.Amount)
	}
	// Non-locking lookup to learn the trade so the trade row is locked first.
	acct, err := r.lookupEscrow(ctx, env.Object)
	if err != nil {
		return nil, nil, err
	}

	ref := env.Object.Reference
	if ref == "" {
		ref = env.ID
	}

	var (
		moved *escrow.Result
		out   *trade.Outcome
		t     *ledger.Trade
	)
	err = r.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		moved, out = nil, nil
		if err := r.guard.Claim(ctx, tx, env); err != nil {
			return err
		}
		var err error
		t, err = tx.GetTradeForUpdate(ctx, acct.TradeID)
		if err != nil {
			return err
		}
		moved, err = r.escrow.Apply(ctx, tx, escrow.Request{
			EscrowID:    acct.ID,
			Op:          op,
			Amount:      amount,
			Currency:    env.Object.Currency,
			ExternalRef: ref,
			Reason:      env.Object.Reason,
			Actor:       ProviderActor,
			Cause:       ledger.CauseWebhook,
		})
		if err != nil {
			return r.deferIfEarly(ctx, tx, acct.ID, err)
		}

		if ev, ok := followOn(op, t.Status, moved.Account); ok {
			out, err = r.trades.ApplyTx(ctx, tx, t, trade.TransitionRequest{
				TradeID: t.ID, Event: ev, Actor: ProviderActor, Reason: "provider event " + env.ID,
			})
			if err != nil {
				return err
			}
		}

		detail := fmt.Sprintf("%s %s on %s", moved.Event.Type, amount, acct.ID)
		return r.guard.Complete(ctx, tx, env.ID, detail)
	})
	if err != nil {
		return nil, nil, err
	}

	notes := []notify.Notification{moved.Notification(t.BuyerID, t.SellerID)}
	if out != nil {
		notes = append(notes, out.Notifications()...)
	}
	r.logger.Info("provider event applied",
		"event_id", env.ID, "type", env.Type, "escrow_id", acct.ID, "op", op, "amount", amount.String(),
		"escrow_status", moved.Account.Status)
	return &Result{EventID: env.ID, Outcome: OutcomeProcessed, EscrowID: acct.ID}, notes, nil
}

func (r *Reconciler) lookupEscrow(ctx context.Context, obj Object) (*ledger.EscrowAccount, error) {
	switch {
	case obj.EscrowID != "":
		return r.store.GetEscrow(ctx, obj.EscrowID)
	case obj.TradeID != "":
		return r.store.GetEscrowByTrade(ctx, obj.TradeID)
	}
	return nil, fmt.Errorf("%w: escrow_id or trade_id is required", ErrInvalidPayload)
}

// deferIfEarly turns a shortfall on an account that is still awaiting holds
// into ErrDeferred: the hold it depends on has not been delivered yet.
func (r *Reconciler) deferIfEarly(ctx context.Context, tx ledger.Tx, escrowID string, err error) error {
	switch {
	case errors.Is(err, escrow.ErrEscrowFrozen):
		return fmt.Errorf("%w: %v", ErrDeferred, err)
	case !errors.Is(err, escrow.ErrInsufficientHeldFunds):
		return err
	}
	a, getErr := tx.GetEscrowForUpdate(ctx, escrowID)
	if getErr != nil {
		return getErr
	}
	if a.TotalAmount.LessThan(a.RequiredAmount) {
		return fmt.Errorf("%w: %v", ErrDeferred, err)
	}
	return err
}

// followOn returns the trade event implied by a money movement.
func followOn(op escrow.Op, status ledger.TradeStatus, a *ledger.EscrowAccount) (trade.Event, bool) {
	switch op {
	case escrow.OpHold:
		return trade.EventFund, status == ledger.TradeContracted && a.Status == ledger.EscrowHeld
	case escrow.OpRelease:
		return trade.EventSettle, status == ledger.TradeDelivered && a.HeldAmount.IsZero()
	case escrow.OpRefund:
		inFlight := status == ledger.TradeContracted || status == ledger.TradeEscrowFunded ||
			status == ledger.TradeShipped || status == ledger.TradeDelivered
		return trade.EventCancel, inFlight && a.Status == ledger.EscrowRefunded
	}
	return "", false
}
