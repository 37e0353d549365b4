package trade

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
	"github.com/mbd888/tradeflow/internal/traces"
)

var (
	ErrEscrowNotFunded = apperr.New(apperr.KindConflict, "escrow_not_funded", "escrow must be fully held before the trade is funded")
	ErrTradeDisputed   = apperr.New(apperr.KindConflict, "trade_disputed", "trade has an open dispute")
	ErrInvalidTrade    = apperr.New(apperr.KindValidation, "invalid_trade", "invalid trade")
	ErrInvalidEvent    = apperr.New(apperr.KindValidation, "invalid_event", "unknown trade event")
)

// CreateRequest describes a new trade.
type CreateRequest struct {
	BuyerID      string
	SellerID     string
	RFQID        string
	Currency     string
	AgreedAmount decimal.Decimal
	Metadata     map[string]string
	// Checkout creates the trade directly in contracted with its escrow account.
	Checkout bool
	Actor    string
}

// TransitionRequest asks for one lifecycle event.
type TransitionRequest struct {
	TradeID string
	Event   Event
	// ExpectedVersion, when non-zero, must equal the stored version.
	ExpectedVersion int64
	Actor           string
	Reason          string
	// ResumeTo is the target status of EventResume.
	ResumeTo ledger.TradeStatus
}

// Outcome is the result of a transition applied inside a unit of work.
type Outcome struct {
	Trade    *ledger.Trade
	From     ledger.TradeStatus
	Event    Event
	Actor    string
	Escrow   *ledger.EscrowAccount
	Movement *escrow.Result
}

// Notifications returns what to publish once the unit of work commits.
func (o *Outcome) Notifications() []notify.Notification {
	t := o.Trade
	notes := make([]notify.Notification, 0, 2)
	if o.Movement != nil {
		notes = append(notes, o.Movement.Notification(t.BuyerID, t.SellerID))
	}
	notes = append(notes, notify.Notification{
		TradeID:   t.ID,
		EventType: notify.TypeTradeTransitioned,
		Parties:   []string{t.BuyerID, t.SellerID},
		Payload: map[string]any{
			"from":    string(o.From),
			"to":      string(t.Status),
			"event":   string(o.Event),
			"actor":   o.Actor,
			"version": t.Version,
		},
		OccurredAt: t.UpdatedAt,
	})
	return notes
}

// Service persists trades and their transitions.
type Service struct {
	store  ledger.Store
	escrow *escrow.Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a trade service.
func NewService(store ledger.Store, engine *escrow.Engine, logger *slog.Logger) *Service {
	return &Service{store: store, escrow: engine, logger: logger, now: time.Now}
}

// Create stores a new trade. Checkout trades start contracted with an open
// escrow account.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.Trade, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now()
	t := &ledger.Trade{
		ID:           idgen.WithPrefix("trd_"),
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		RFQID:        req.RFQID,
		Status:       ledger.TradeRFQCreated,
		Currency:     strings.ToUpper(req.Currency),
		AgreedAmount: req.AgreedAmount,
		Version:      1,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Checkout {
		t.Status = ledger.TradeContracted
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateTrade(ctx, t); err != nil {
			return err
		}
		if req.Checkout {
			if _, err := s.escrow.OpenAccount(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordCreated(req.Checkout)
	s.logger.Info("trade created", "trade_id", t.ID, "status", t.Status, "buyer", t.BuyerID, "seller", t.SellerID)
	notify.Publish(ctx, s.escrow.Notifier(), notify.Notification{
		TradeID:   t.ID,
		EventType: notify.TypeTradeCreated,
		Parties:   []string{t.BuyerID, t.SellerID},
		Payload: map[string]any{
			"status":       string(t.Status),
			"agreedAmount": t.AgreedAmount.String(),
			"currency":     t.Currency,
			"actor":        req.Actor,
		},
		OccurredAt: now,
	})
	return t, nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.BuyerID == "" || req.SellerID == "":
		return fmt.Errorf("%w: buyer and seller are required", ErrInvalidTrade)
	case req.BuyerID == req.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidTrade)
	case len(req.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidTrade)
	case !req.AgreedAmount.IsPositive():
		return fmt.Errorf("%w: agreed amount must be positive", ErrInvalidTrade)
	}
	return nil
}

// Transition applies one event in its own unit of work and publishes the
// resulting notifications after commit.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*ledger.Trade, error) {
	var out *Outcome
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.GetTradeForUpdate(ctx, req.TradeID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != t.Version {
			return fmt.Errorf("%w: expected version %d, found %d", ledger.ErrVersionConflict, req.ExpectedVersion, t.Version)
		}
		out, err = s.ApplyTx(ctx, tx, t, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	notify.Publish(ctx, s.escrow.Notifier(), out.Notifications()...)
	return out.Trade, nil
}

// ApplyTx applies req to t, which the caller has locked in tx, and performs
// the escrow movement the edge implies in the same unit of work.
func (s *Service) ApplyTx(ctx context.Context, tx ledger.Tx, t *ledger.Trade, req TransitionRequest) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "trade.transition",
		traces.TradeID(t.ID), traces.Operation(string(req.Event)))
	defer func() {
		traces.End(span, err)
		recordTransition(req.Event, err)
	}()

	if !req.Event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, req.Event)
	}
	from := t.Status
	to, err := Next(from, req.Event, req.ResumeTo)
	if err != nil {
		return nil, err
	}

	out = &Outcome{Trade: t, From: from, Event: req.Event, Actor: req.Actor}

	t.Status = to
	t.UpdatedAt = s.now()
	if err := tx.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	switch req.Event {
	case EventContract:
		out.Escrow, err = s.escrow.OpenAccount(ctx, tx, t)
	case EventFund:
		out.Escrow, err = s.requireFunded(ctx, tx, t.ID)
	case EventSettle:
		out.Escrow, out.Movement, err = s.releaseRemaining(ctx, tx, t.ID, req)
	case EventCancel:
		out.Escrow, out.Movement, err = s.unwind(ctx, tx, from, t.ID, req)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("trade transitioned",
		"trade_id", t.ID, "event", req.Event, "from", from, "to", to, "actor", req.Actor, "version", t.Version)
	return out, nil
}

func (s *Service) requireFunded(ctx context.Context, tx ledger.Tx, tradeID string) (*ledger.EscrowAccount, error) {
	a, err := tx.GetEscrowByTradeForUpdate(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if a.Status != ledger.EscrowHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrEscrowNotFunded, a.Status)
	}
	return a, nil
}

func (s *Service) releaseRemaining(ctx context.Context, tx ledger.Tx, tradeID string, req TransitionRequest) (*ledger.EscrowAccount, *escrow.Result, error) {
	a, err := tx.GetEscrowByTradeForUpdate(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if !a.HeldAmount.IsPositive() {
		return a, nil, nil
	}
	res, err := s.escrow.Apply(ctx, tx, escrow.Request{
		EscrowID: a.ID,
		Op:       escrow.OpRelease,
		Amount:   a.HeldAmount,
		Reason:   reasonOr(req.Reason, "trade settled"),
		Actor:    req.Actor,
		Cause:    ledger.CauseTransition,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Account, res, nil
}

// unwind refunds held funds, or cancels an account that was never funded.
func (s *Service) unwind(ctx context.Context, tx ledger.Tx, from ledger.TradeStatus, tradeID string, req TransitionRequest) (*ledger.EscrowAccount, *escrow.Result, error) {
	if from == ledger.TradeDisputed {
		return nil, nil, ErrTradeDisputed
	}
	a, err := tx.GetEscrowByTradeForUpdate(ctx, tradeID)
	switch {
	case errors.Is(err, ledger.ErrEscrowNotFound):
		return nil, nil, nil
	case err != nil:
		return nil, nil, err
	}
	switch {
	case a.Status.IsClosed():
		return a, nil, nil
	case a.TotalAmount.IsZero():
		a, err = s.escrow.Cancel(ctx, tx, a.ID)
		return a, nil, err
	case !a.HeldAmount.IsPositive():
		return a, nil, nil
	}
	res, err := s.escrow.Apply(ctx, tx, escrow.Request{
		EscrowID: a.ID,
		Op:       escrow.OpRefund,
		Amount:   a.HeldAmount,
		Reason:   reasonOr(req.Reason, "trade cancelled"),
		Actor:    req.Actor,
		Cause:    ledger.CauseTransition,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Account, res, nil
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

// Get returns a trade.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// ListByCompany returns trades where companyID is buyer or seller.
func (s *Service) ListByCompany(ctx context.Context, companyID string, limit int) ([]*ledger.Trade, error) {
	return s.store.ListTradesByCompany(ctx, companyID, limit)
}
