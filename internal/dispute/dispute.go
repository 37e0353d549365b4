// Package dispute arbitrates claims against funded trades. An open dispute
// freezes the trade's escrow; resolving it moves the held funds and the
// trade in one unit of work.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/escrow"
	"github.com/mbd888/tradeflow/internal/idgen"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/trade"
	"github.com/mbd888/tradeflow/internal/traces"
)

var (
	ErrNothingToArbitrate = apperr.New(apperr.KindConflict, "nothing_to_arbitrate", "escrow holds no funds to arbitrate")
	ErrNotParty           = apperr.New(apperr.KindValidation, "not_a_party", "disputes can only be raised by and against trade parties")
	ErrDisputeClosed      = apperr.New(apperr.KindConflict, "dispute_closed", "dispute is already resolved")
	ErrAlreadyEscalated   = apperr.New(apperr.KindConflict, "dispute_already_escalated", "dispute is already escalated")
	ErrInvalidOutcome     = apperr.New(apperr.KindValidation, "invalid_outcome", "outcome must be favor_buyer, favor_seller or split")
	ErrInvalidAllocation  = apperr.New(apperr.KindValidation, "invalid_allocation", "allocation does not match the held funds")
	ErrReasonRequired     = apperr.New(apperr.KindValidation, "reason_required", "a dispute reason is required")
)

// OpenRequest raises a dispute.
type OpenRequest struct {
	TradeID  string
	RaisedBy string
	// Against defaults to the other party.
	Against string
	Reason  string
}

// ResolveRequest closes a dispute with an outcome and a fund allocation.
type ResolveRequest struct {
	DisputeID string
	Outcome   ledger.Outcome
	Note      string
	// ReleaseAmount and RefundAmount override the outcome's default
	// allocation. Split requires at least one of them.
	ReleaseAmount decimal.Decimal
	RefundAmount  decimal.Decimal
	// Resume returns the trade to the status it had when the dispute opened
	// if funds remain held after the allocation.
	Resume bool
	Actor  string
}

// Service opens and resolves disputes.
type Service struct {
	store  ledger.Store
	trades *trade.Service
	escrow *escrow.Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a dispute service.
func NewService(store ledger.Store, trades *trade.Service, engine *escrow.Engine, logger *slog.Logger) *Service {
	return &Service{store: store, trades: trades, escrow: engine, logger: logger, now: time.Now}
}

// Open raises a dispute and moves the trade to disputed.
func (s *Service) Open(ctx context.Context, req OpenRequest) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.TradeID(req.TradeID))
	defer func() { traces.End(span, err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	var out *trade.Outcome
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, req.TradeID)
		if err != nil {
			return err
		}
		against, err := counterparty(t, req.RaisedBy, req.Against)
		if err != nil {
			return err
		}

		if _, err := tx.FindOpenDispute(ctx, t.ID); err == nil {
			return ledger.ErrDisputeAlreadyOpen
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		if !trade.Disputable(t.Status) {
			return &trade.RejectedError{From: t.Status, Event: trade.EventDispute}
		}

		a, err := tx.GetEscrowByTradeForUpdate(ctx, t.ID)
		if err != nil {
			return err
		}
		if a.Status.IsClosed() || !a.HeldAmount.IsPositive() {
			return fmt.Errorf("%w: escrow is %s", ErrNothingToArbitrate, a.Status)
		}

		d = &ledger.Dispute{
			ID:             idgen.WithPrefix("dsp_"),
			TradeID:        t.ID,
			RaisedBy:       req.RaisedBy,
			Against:        against,
			Reason:         reason,
			Status:         ledger.DisputeInReview,
			ResumeStatus:   t.Status,
			ReleasedAmount: decimal.Zero,
			RefundedAmount: decimal.Zero,
			OpenedAt:       s.now(),
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}

		out, err = s.trades.ApplyTx(ctx, tx, t, trade.TransitionRequest{
			TradeID: t.ID, Event: trade.EventDispute, Actor: req.RaisedBy, Reason: reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	disputesOpened.Inc()
	s.logger.Info("dispute opened", "dispute_id", d.ID, "trade_id", d.TradeID, "raised_by", d.RaisedBy)
	notes := append(out.Notifications(), s.notification(out.Trade, d, notify.TypeDisputeOpened))
	notify.Publish(ctx, s.escrow.Notifier(), notes...)
	return d, nil
}

func counterparty(t *ledger.Trade, raisedBy, against string) (string, error) {
	if !t.IsParty(raisedBy) {
		return "", ErrNotParty
	}
	other := t.SellerID
	if raisedBy == t.SellerID {
		other = t.BuyerID
	}
	if against != "" && against != other {
		return "", ErrNotParty
	}
	return other, nil
}

// Escalate moves an in-review dispute to escalated.
func (s *Service) Escalate(ctx context.Context, disputeID, actor string) (*ledger.Dispute, error) {
	current, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var (
		d *ledger.Dispute
		t *ledger.Trade
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		t, err = tx.GetTradeForUpdate(ctx, current.TradeID)
		if err != nil {
			return err
		}
		d, err = tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		switch d.Status {
		case ledger.DisputeResolved:
			return ErrDisputeClosed
		case ledger.DisputeEscalated:
			return ErrAlreadyEscalated
		}
		now := s.now()
		d.Status = ledger.DisputeEscalated
		d.EscalatedAt = &now
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute escalated", "dispute_id", d.ID, "trade_id", d.TradeID, "actor", actor)
	notify.Publish(ctx, s.escrow.Notifier(), s.notification(t, d, notify.TypeDisputeEscalated))
	return d, nil
}

// Resolve closes a dispute, moves the held funds and advances the trade,
// all in one unit of work.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve",
		traces.DisputeID(req.DisputeID), traces.Operation(string(req.Outcome)))
	defer func() { traces.End(span, err) }()

	if !req.Outcome.Valid() {
		return nil, ErrInvalidOutcome
	}
	if req.ReleaseAmount.IsNegative() || req.RefundAmount.IsNegative() {
		return nil, fmt.Errorf("%w: amounts must not be negative", ErrInvalidAllocation)
	}

	// Read without locking to learn the trade; the trade row is locked first.
	current, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}

	var notes []notify.Notification
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		notes = notes[:0]
		t, err := tx.GetTradeForUpdate(ctx, current.TradeID)
		if err != nil {
			return err
		}
		a, err := tx.GetEscrowByTradeForUpdate(ctx, t.ID)
		if err != nil {
			return err
		}
		d, err = tx.GetDisputeForUpdate(ctx, req.DisputeID)
		if err != nil {
			return err
		}
		if !d.Status.IsOpen() {
			return ErrDisputeClosed
		}

		release, refund, err := allocate(req, a.HeldAmount)
		if err != nil {
			return err
		}
		remaining := a.HeldAmount.Sub(release).Sub(refund)
		if remaining.IsPositive() && !req.Resume {
			return fmt.Errorf("%w: %s would stay held; resume the trade or allocate it", ErrInvalidAllocation, remaining)
		}

		now := s.now()
		d.Status = ledger.DisputeResolved
		d.Outcome = req.Outcome
		d.ResolutionNote = req.Note
		d.ReleasedAmount = release
		d.RefundedAmount = refund
		d.ResolvedBy = req.Actor
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		for _, mv := range []struct {
			op     escrow.Op
			amount decimal.Decimal
		}{{escrow.OpRefund, refund}, {escrow.OpRelease, release}} {
			if !mv.amount.IsPositive() {
				continue
			}
			res, err := s.escrow.Apply(ctx, tx, escrow.Request{
				EscrowID: a.ID,
				Op:       mv.op,
				Amount:   mv.amount,
				Reason:   "dispute " + d.ID + ": " + string(req.Outcome),
				Actor:    req.Actor,
				Cause:    ledger.CauseDisputeResolution,
			})
			if err != nil {
				return err
			}
			notes = append(notes, res.Notification(t.BuyerID, t.SellerID))
		}

		out, err := s.trades.ApplyTx(ctx, tx, t, trade.TransitionRequest{
			TradeID: t.ID, Event: trade.EventResolve, Actor: req.Actor, Reason: req.Note,
		})
		if err != nil {
			return err
		}
		notes = append(notes, out.Notifications()...)

		next := trade.TransitionRequest{TradeID: t.ID, Event: trade.EventSettle, Actor: req.Actor}
		if remaining.IsPositive() {
			next.Event = trade.EventResume
			next.ResumeTo = d.ResumeStatus
		}
		out, err = s.trades.ApplyTx(ctx, tx, t, next)
		if err != nil {
			return err
		}
		notes = append(notes, out.Notifications()...)
		notes = append(notes, s.notification(t, d, notify.TypeDisputeResolved))
		return nil
	})
	if err != nil {
		return nil, err
	}

	disputesResolved.WithLabelValues(string(req.Outcome)).Inc()
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "trade_id", d.TradeID, "outcome", d.Outcome,
		"released", d.ReleasedAmount.String(), "refunded", d.RefundedAmount.String(), "actor", req.Actor)
	notify.Publish(ctx, s.escrow.Notifier(), notes...)
	return d, nil
}

// allocate returns the release and refund amounts for req against held.
func allocate(req ResolveRequest, held decimal.Decimal) (release, refund decimal.Decimal, err error) {
	explicit := req.ReleaseAmount.IsPositive() || req.RefundAmount.IsPositive()
	switch {
	case req.Outcome == ledger.OutcomeFavorBuyer && req.ReleaseAmount.IsPositive():
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: favor_buyer cannot release to the seller", ErrInvalidAllocation)
	case req.Outcome == ledger.OutcomeFavorSeller && req.RefundAmount.IsPositive():
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: favor_seller cannot refund the buyer", ErrInvalidAllocation)
	case explicit:
		release, refund = req.ReleaseAmount, req.RefundAmount
	case req.Outcome == ledger.OutcomeFavorBuyer:
		release, refund = decimal.Zero, held
	case req.Outcome == ledger.OutcomeFavorSeller:
		release, refund = held, decimal.Zero
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: split requires releaseAmount or refundAmount", ErrInvalidAllocation)
	}
	if release.Add(refund).GreaterThan(held) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s exceeds held %s", ErrInvalidAllocation, release.Add(refund), held)
	}
	return release, refund, nil
}

func (s *Service) notification(t *ledger.Trade, d *ledger.Dispute, eventType string) notify.Notification {
	payload := map[string]any{
		"disputeId": d.ID,
		"status":    string(d.Status),
		"raisedBy":  d.RaisedBy,
		"against":   d.Against,
	}
	if d.Outcome != "" {
		payload["outcome"] = string(d.Outcome)
		payload["releasedAmount"] = d.ReleasedAmount.String()
		payload["refundedAmount"] = d.RefundedAmount.String()
	}
	return notify.Notification{
		TradeID:    d.TradeID,
		EventType:  eventType,
		Parties:    []string{t.BuyerID, t.SellerID},
		Payload:    payload,
		OccurredAt: s.now(),
	}
}

// Get returns a dispute.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListByTrade returns a trade's disputes in the order they were opened.
func (s *Service) ListByTrade(ctx context.Context, tradeID string) ([]*ledger.Dispute, error) {
	return s.store.ListDisputesByTrade(ctx, tradeID)
}
