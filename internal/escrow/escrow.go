// Package escrow implements the settlement engine: the only code allowed to
// move money in or out of an escrow account.
//
// Every operation appends exactly one immutable EscrowEvent and rewrites the
// account's sums inside the caller's ledger unit of work. After each
// operation the account must satisfy held + released + refunded == total and
// agree with a fold of its events; otherwise the unit of work is aborted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/idgen"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/traces"
)

var (
	ErrInsufficientHeldFunds = apperr.New(apperr.KindConflict, "insufficient_held_funds", "amount exceeds funds currently held")
	ErrEscrowAlreadyClosed   = apperr.New(apperr.KindValidation, "escrow_closed", "escrow account is closed")
	ErrInvalidAmount         = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be positive and within the account's remaining requirement")
	ErrCurrencyMismatch      = apperr.New(apperr.KindValidation, "currency_mismatch", "currency does not match the escrow account")
	ErrHoldNotAllowed        = apperr.New(apperr.KindValidation, "hold_not_allowed", "escrow account no longer accepts holds")
	ErrEscrowFrozen          = apperr.New(apperr.KindConflict, "escrow_frozen", "escrow account is frozen by an open dispute")
	ErrInvariantViolation    = apperr.New(apperr.KindInvariant, "escrow_invariant_violation", "escrow sums would become inconsistent")
	ErrInvalidOperation      = apperr.New(apperr.KindValidation, "invalid_operation", "unknown escrow operation")
	ErrInvalidCause          = apperr.New(apperr.KindValidation, "invalid_cause", "unknown escrow event cause")
)

// Op is a money movement.
type Op string

const (
	OpHold    Op = "hold"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// Valid reports whether op is known.
func (op Op) Valid() bool {
	return op == OpHold || op == OpRelease || op == OpRefund
}

// Request describes one money movement.
type Request struct {
	EscrowID    string
	Op          Op
	Amount      decimal.Decimal
	Currency    string // optional; must match the account when set
	ExternalRef string
	Reason      string
	Actor       string
	Cause       ledger.Cause
}

// Result is the account after an operation plus the event it appended.
type Result struct {
	Account *ledger.EscrowAccount
	Event   *ledger.EscrowEvent
}

// Notification builds the post-commit notification for the result.
func (r *Result) Notification(parties ...string) notify.Notification {
	eventType := notify.TypeEscrowHold
	switch r.Event.Type {
	case ledger.EventRelease:
		eventType = notify.TypeEscrowRelease
	case ledger.EventPartialRelease:
		eventType = notify.TypeEscrowPartial
	case ledger.EventRefund:
		eventType = notify.TypeEscrowRefund
	}
	return notify.Notification{
		TradeID:   r.Account.TradeID,
		EventType: eventType,
		Parties:   parties,
		Payload: map[string]any{
			"escrowId":     r.Account.ID,
			"eventId":      r.Event.ID,
			"amount":       r.Event.Amount.String(),
			"currency":     r.Event.Currency,
			"causedBy":     string(r.Event.CausedBy),
			"escrowStatus": string(r.Account.Status),
			"heldAmount":   r.Account.HeldAmount.String(),
		},
		OccurredAt: r.Event.CreatedAt,
	}
}

// Engine applies escrow operations.
type Engine struct {
	store    ledger.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(store ledger.Store, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// Notifier returns the engine's notification sink.
func (e *Engine) Notifier() notify.Notifier { return e.notifier }

// OpenAccount creates the escrow account for a contracted trade.
func (e *Engine) OpenAccount(ctx context.Context, tx ledger.Tx, t *ledger.Trade) (*ledger.EscrowAccount, error) {
	now := e.now()
	a := &ledger.EscrowAccount{
		ID:             idgen.WithPrefix("esc_"),
		TradeID:        t.ID,
		Status:         ledger.EscrowRequired,
		Currency:       t.Currency,
		RequiredAmount: t.AgreedAmount,
		TotalAmount:    decimal.Zero,
		HeldAmount:     decimal.Zero,
		ReleasedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.CreateEscrow(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel closes an account that never received funds.
func (e *Engine) Cancel(ctx context.Context, tx ledger.Tx, escrowID string) (*ledger.EscrowAccount, error) {
	a, err := tx.GetEscrowForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if a.Status.IsClosed() {
		return a, nil
	}
	if !a.TotalAmount.IsZero() {
		return nil, fmt.Errorf("%w: account has received funds, refund instead", ErrHoldNotAllowed)
	}
	now := e.now()
	a.Cancelled = true
	a.Status = ledger.EscrowCancelled
	a.UpdatedAt = now
	a.ClosedAt = &now
	if err := tx.UpdateEscrow(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply performs req inside tx. The caller owns the unit of work and must
// already hold the trade's row lock when it also touches the trade.
func (e *Engine) Apply(ctx context.Context, tx ledger.Tx, req Request) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.apply",
		traces.EscrowID(req.EscrowID), traces.Operation(string(req.Op)), traces.Amount(req.Amount.String()))
	defer func() {
		traces.End(span, err)
		observeOp(req.Op, req.Cause, req.Amount, err)
	}()

	if !req.Op.Valid() {
		return nil, ErrInvalidOperation
	}
	if !req.Cause.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCause, req.Cause)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	a, err := tx.GetEscrowForUpdate(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, a.Currency) {
		return nil, fmt.Errorf("%w: got %s, account is %s", ErrCurrencyMismatch, req.Currency, a.Currency)
	}
	if a.Status.IsClosed() {
		return nil, ErrEscrowAlreadyClosed
	}
	if req.Cause != ledger.CauseDisputeResolution {
		_, err := tx.FindOpenDispute(ctx, a.TradeID)
		switch {
		case err == nil:
			return nil, ErrEscrowFrozen
		case !errors.Is(err, ledger.ErrDisputeNotFound):
			return nil, err
		}
	}

	var eventType ledger.EventType
	switch req.Op {
	case OpHold:
		if a.Status != ledger.EscrowRequired && a.Status != ledger.EscrowPending {
			return nil, ErrHoldNotAllowed
		}
		remaining := a.RequiredAmount.Sub(a.TotalAmount)
		if req.Amount.GreaterThan(remaining) {
			return nil, fmt.Errorf("%w: %s exceeds remaining %s", ErrInvalidAmount, req.Amount, remaining)
		}
		a.TotalAmount = a.TotalAmount.Add(req.Amount)
		a.HeldAmount = a.HeldAmount.Add(req.Amount)
		eventType = ledger.EventHold
	case OpRelease:
		if a.HeldAmount.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: release %s, held %s", ErrInsufficientHeldFunds, req.Amount, a.HeldAmount)
		}
		a.HeldAmount = a.HeldAmount.Sub(req.Amount)
		a.ReleasedAmount = a.ReleasedAmount.Add(req.Amount)
		eventType = ledger.EventPartialRelease
		if a.HeldAmount.IsZero() {
			eventType = ledger.EventRelease
		}
	case OpRefund:
		if a.HeldAmount.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: refund %s, held %s", ErrInsufficientHeldFunds, req.Amount, a.HeldAmount)
		}
		a.HeldAmount = a.HeldAmount.Sub(req.Amount)
		a.RefundedAmount = a.RefundedAmount.Add(req.Amount)
		eventType = ledger.EventRefund
	}

	now := e.now()
	a.Status = DeriveStatus(a.RequiredAmount, SumsOf(a), a.Cancelled)
	a.UpdatedAt = now
	if a.Status.IsClosed() {
		a.ClosedAt = &now
	}
	if !SumsOf(a).Balanced() {
		return nil, ErrInvariantViolation
	}

	ev := &ledger.EscrowEvent{
		ID:          idgen.WithPrefix("eev_"),
		EscrowID:    a.ID,
		Type:        eventType,
		Amount:      req.Amount,
		Currency:    a.Currency,
		ExternalRef: req.ExternalRef,
		Reason:      req.Reason,
		Actor:       req.Actor,
		CausedBy:    req.Cause,
		CreatedAt:   now,
	}
	if err := tx.AppendEscrowEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := tx.UpdateEscrow(ctx, a); err != nil {
		return nil, err
	}

	events, err := tx.ListEscrowEvents(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if drift := Verify(a, events); drift != nil {
		e.logger.Error("escrow fold mismatch, aborting", "escrow_id", a.ID, "detail", drift.Detail)
		return nil, fmt.Errorf("%w: %s", ErrInvariantViolation, drift.Detail)
	}

	return &Result{Account: a, Event: ev}, nil
}

// Execute runs req in its own unit of work, locking the owning trade first,
// and publishes the notification after commit.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	acct, err := e.store.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	var (
		res   *Result
		trade *ledger.Trade
	)
	err = e.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, acct.TradeID)
		if err != nil {
			return err
		}
		r, err := e.Apply(ctx, tx, req)
		if err != nil {
			return err
		}
		res, trade = r, t
		return nil
	})
	if err != nil {
		return nil, err
	}

	notify.Publish(ctx, e.notifier, res.Notification(trade.BuyerID, trade.SellerID))
	return res, nil
}

// Hold adds buyer funds to the account.
func (e *Engine) Hold(ctx context.Context, escrowID string, amount decimal.Decimal, externalRef string, cause ledger.Cause) (*Result, error) {
	return e.Execute(ctx, Request{EscrowID: escrowID, Op: OpHold, Amount: amount, ExternalRef: externalRef, Cause: cause})
}

// Release pays held funds to the seller.
func (e *Engine) Release(ctx context.Context, escrowID string, amount decimal.Decimal, reason string, cause ledger.Cause) (*Result, error) {
	return e.Execute(ctx, Request{EscrowID: escrowID, Op: OpRelease, Amount: amount, Reason: reason, Cause: cause})
}

// Refund returns held funds to the buyer.
func (e *Engine) Refund(ctx context.Context, escrowID string, amount decimal.Decimal, reason string, cause ledger.Cause) (*Result, error) {
	return e.Execute(ctx, Request{EscrowID: escrowID, Op: OpRefund, Amount: amount, Reason: reason, Cause: cause})
}

// ManualOverride lets an administrator move money. It uses the same checks
// as every other caller and is attributed to the admin actor.
func (e *Engine) ManualOverride(ctx context.Context, escrowID string, op Op, amount decimal.Decimal, actor, reason string) (*Result, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: override requires a reason", ErrInvalidOperation)
	}
	res, err := e.Execute(ctx, Request{
		EscrowID: escrowID, Op: op, Amount: amount, Reason: reason, Actor: actor, Cause: ledger.CauseAdmin,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("escrow manual override",
		"escrow_id", escrowID, "op", op, "amount", amount.String(), "actor", actor, "reason", reason)
	return res, nil
}

// Get returns an account.
func (e *Engine) Get(ctx context.Context, escrowID string) (*ledger.EscrowAccount, error) {
	return e.store.GetEscrow(ctx, escrowID)
}

// GetByTrade returns the account for a trade.
func (e *Engine) GetByTrade(ctx context.Context, tradeID string) (*ledger.EscrowAccount, error) {
	return e.store.GetEscrowByTrade(ctx, tradeID)
}

// Events returns the account's events in order.
func (e *Engine) Events(ctx context.Context, escrowID string) ([]*ledger.EscrowEvent, error) {
	if _, err := e.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return e.store.ListEscrowEvents(ctx, escrowID)
}
