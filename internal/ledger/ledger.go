// Package ledger is the durable record of trades, escrow accounts, escrow
// events, disputes and processed provider events.
//
// Every mutation happens inside Store.InTx: all writes made through the Tx
// commit together or not at all. Rows read through a Tx with a ForUpdate
// method stay locked until the unit of work ends, which serializes
// concurrent operations on the same trade or escrow account.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/apperr"
)

var (
	ErrTradeNotFound      = apperr.New(apperr.KindNotFound, "trade_not_found", "trade not found")
	ErrEscrowNotFound     = apperr.New(apperr.KindNotFound, "escrow_not_found", "escrow account not found")
	ErrDisputeNotFound    = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrEventNotFound      = apperr.New(apperr.KindNotFound, "event_not_found", "processed event not found")
	ErrVersionConflict    = apperr.New(apperr.KindConflict, "concurrent_modification", "record was modified concurrently")
	ErrDuplicateEvent     = apperr.New(apperr.KindConflict, "duplicate_event", "external event already claimed")
	ErrDisputeAlreadyOpen = apperr.New(apperr.KindConflict, "dispute_already_open", "trade already has an open dispute")
	ErrEscrowExists       = apperr.New(apperr.KindConflict, "escrow_exists", "trade already has an escrow account")
	ErrTradeExists        = apperr.New(apperr.KindConflict, "trade_exists", "trade already exists")
	ErrTxAborted          = apperr.New(apperr.KindConflict, "transaction_aborted", "transaction aborted by a concurrent writer")
)

// TradeStatus is the lifecycle position of a trade.
type TradeStatus string

const (
	TradeRFQCreated   TradeStatus = "rfq_created"
	TradeMatched      TradeStatus = "matched"
	TradeQuoted       TradeStatus = "quoted"
	TradeContracted   TradeStatus = "contracted"
	TradeEscrowFunded TradeStatus = "escrow_funded"
	TradeShipped      TradeStatus = "shipped"
	TradeDelivered    TradeStatus = "delivered"
	TradeDisputed     TradeStatus = "disputed"
	TradeResolved     TradeStatus = "resolved"
	TradeSettled      TradeStatus = "settled"
	TradeCancelled    TradeStatus = "cancelled"
)

// TradeStatuses lists every status in lifecycle order.
var TradeStatuses = []TradeStatus{
	TradeRFQCreated, TradeMatched, TradeQuoted, TradeContracted, TradeEscrowFunded,
	TradeShipped, TradeDelivered, TradeDisputed, TradeResolved, TradeSettled, TradeCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeSettled || s == TradeCancelled
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	for _, v := range TradeStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Trade is a negotiated deal between a buyer and a seller.
type Trade struct {
	ID           string            `json:"id"`
	BuyerID      string            `json:"buyerId"`
	SellerID     string            `json:"sellerId"`
	RFQID        string            `json:"rfqId,omitempty"`
	Status       TradeStatus       `json:"status"`
	Currency     string            `json:"currency"`
	AgreedAmount decimal.Decimal   `json:"agreedAmount"`
	Version      int64             `json:"version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// IsParty reports whether companyID is the buyer or the seller.
func (t *Trade) IsParty(companyID string) bool {
	return companyID != "" && (t.BuyerID == companyID || t.SellerID == companyID)
}

// EscrowStatus is derived from an account's sums.
type EscrowStatus string

const (
	EscrowRequired          EscrowStatus = "required"
	EscrowPending           EscrowStatus = "pending"
	EscrowHeld              EscrowStatus = "held"
	EscrowPartiallyReleased EscrowStatus = "partially_released"
	EscrowReleased          EscrowStatus = "released"
	EscrowRefunded          EscrowStatus = "refunded"
	EscrowCancelled         EscrowStatus = "cancelled"
)

// IsClosed reports whether the account accepts no further operations.
func (s EscrowStatus) IsClosed() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowCancelled
}

// EscrowAccount holds the buyer's funds for one trade.
// Invariant: HeldAmount + ReleasedAmount + RefundedAmount == TotalAmount.
type EscrowAccount struct {
	ID             string          `json:"id"`
	TradeID        string          `json:"tradeId"`
	Status         EscrowStatus    `json:"status"`
	Currency       string          `json:"currency"`
	RequiredAmount decimal.Decimal `json:"requiredAmount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	HeldAmount     decimal.Decimal `json:"heldAmount"`
	ReleasedAmount decimal.Decimal `json:"releasedAmount"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"` // sum of refund events
	Cancelled      bool            `json:"cancelled,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ClosedAt       *time.Time      `json:"closedAt,omitempty"`
}

// EventType is the kind of money movement recorded by an EscrowEvent.
type EventType string

const (
	EventHold           EventType = "hold"
	EventRelease        EventType = "release"
	EventPartialRelease EventType = "partial_release"
	EventRefund         EventType = "refund"
)

// Cause records what triggered an escrow event.
type Cause string

const (
	CauseWebhook           Cause = "webhook"
	CauseAdmin             Cause = "admin"
	CauseDisputeResolution Cause = "dispute_resolution"
	CauseTransition        Cause = "trade_transition"
)

// Valid reports whether c is a known cause.
func (c Cause) Valid() bool {
	switch c {
	case CauseWebhook, CauseAdmin, CauseDisputeResolution, CauseTransition:
		return true
	}
	return false
}

// EscrowEvent is an immutable money movement. An account's sums equal the
// fold of its events in Seq order.
type EscrowEvent struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	EscrowID    string          `json:"escrowId"`
	Type        EventType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExternalRef string          `json:"externalRef,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	CausedBy    Cause           `json:"causedBy"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ProcessedStatus is the processing state of a provider event.
type ProcessedStatus string

const (
	ProcessedProcessing ProcessedStatus = "processing"
	ProcessedCompleted  ProcessedStatus = "completed"
	ProcessedFailed     ProcessedStatus = "failed"
)

// ProcessedEvent records a provider event id that has been claimed.
type ProcessedEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	Status     ProcessedStatus `json:"status"`
	Detail     string          `json:"detail,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DisputeStatus is the arbitration state of a dispute.
type DisputeStatus string

const (
	DisputeInReview  DisputeStatus = "in_review"
	DisputeEscalated DisputeStatus = "escalated"
	DisputeResolved  DisputeStatus = "resolved"
)

// IsOpen reports whether the dispute still freezes its escrow.
func (s DisputeStatus) IsOpen() bool {
	return s == DisputeInReview || s == DisputeEscalated
}

// Outcome is the arbitration decision.
type Outcome string

const (
	OutcomeFavorBuyer  Outcome = "favor_buyer"
	OutcomeFavorSeller Outcome = "favor_seller"
	OutcomeSplit       Outcome = "split"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeFavorBuyer || o == OutcomeFavorSeller || o == OutcomeSplit
}

// Dispute is a claim by one party against the other over a funded trade.
type Dispute struct {
	ID             string          `json:"id"`
	TradeID        string          `json:"tradeId"`
	RaisedBy       string          `json:"raisedBy"`
	Against        string          `json:"against"`
	Reason         string          `json:"reason"`
	Status         DisputeStatus   `json:"status"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	ResolutionNote string          `json:"resolutionNote,omitempty"`
	ResumeStatus   TradeStatus     `json:"resumeStatus"` // trade status when the dispute opened
	ReleasedAmount decimal.Decimal `json:"releasedAmount"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	OpenedAt       time.Time       `json:"openedAt"`
	EscalatedAt    *time.Time      `json:"escalatedAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// Tx is a unit of work. Methods named ForUpdate lock the returned row until
// the unit of work ends.
type Tx interface {
	CreateTrade(ctx context.Context, t *Trade) error
	GetTradeForUpdate(ctx context.Context, id string) (*Trade, error)
	// UpdateTrade writes t if the stored version equals t.Version, then
	// increments t.Version. A mismatch returns ErrVersionConflict.
	UpdateTrade(ctx context.Context, t *Trade) error

	CreateEscrow(ctx context.Context, a *EscrowAccount) error
	GetEscrowForUpdate(ctx context.Context, id string) (*EscrowAccount, error)
	GetEscrowByTradeForUpdate(ctx context.Context, tradeID string) (*EscrowAccount, error)
	UpdateEscrow(ctx context.Context, a *EscrowAccount) error
	// AppendEscrowEvent stores ev and assigns its Seq.
	AppendEscrowEvent(ctx context.Context, ev *EscrowEvent) error
	ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEvent, error)

	// ClaimExternalEvent inserts the event row. A second claim of the same
	// event id returns ErrDuplicateEvent.
	ClaimExternalEvent(ctx context.Context, ev *ProcessedEvent) error
	FinishExternalEvent(ctx context.Context, eventID string, status ProcessedStatus, detail string) error

	// CreateDispute returns ErrDisputeAlreadyOpen if the trade has an open dispute.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error)
	// FindOpenDispute returns ErrDisputeNotFound when the trade has no open dispute.
	FindOpenDispute(ctx context.Context, tradeID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// Store persists ledger records.
type Store interface {
	// InTx runs fn in a unit of work. fn's error rolls everything back and is
	// returned unchanged. fn must not call other Store methods.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetTrade(ctx context.Context, id string) (*Trade, error)
	ListTradesByCompany(ctx context.Context, companyID string, limit int) ([]*Trade, error)
	ListTradesByStatus(ctx context.Context, statuses []TradeStatus, limit int) ([]*Trade, error)

	GetEscrow(ctx context.Context, id string) (*EscrowAccount, error)
	GetEscrowByTrade(ctx context.Context, tradeID string) (*EscrowAccount, error)
	// ListEscrows pages through accounts ordered by id, starting after afterID.
	ListEscrows(ctx context.Context, afterID string, limit int) ([]*EscrowAccount, error)
	ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEvent, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByTrade(ctx context.Context, tradeID string) ([]*Dispute, error)

	GetExternalEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
	ListExternalEvents(ctx context.Context, status ProcessedStatus, limit int) ([]*ProcessedEvent, error)

	Ping(ctx context.Context) error
}
