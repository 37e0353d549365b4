// Package trade owns the trade lifecycle. Every status change goes through
// Next and is persisted by Service inside a ledger unit of work together with
// any escrow movement the edge implies.
package trade

import (
	"fmt"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/ledger"
)

// ErrInvalidTransition is returned when an event is not allowed from the
// trade's current status.
var ErrInvalidTransition = apperr.New(apperr.KindConflict, "invalid_transition", "transition not allowed from current status")

// Event drives a trade from one status to the next.
type Event string

const (
	EventMatch    Event = "match"
	EventQuote    Event = "quote"
	EventContract Event = "contract"
	EventFund     Event = "fund"
	EventShip     Event = "ship"
	EventDeliver  Event = "deliver"
	EventDispute  Event = "dispute"
	EventResolve  Event = "resolve"
	EventSettle   Event = "settle"
	EventResume   Event = "resume"
	EventCancel   Event = "cancel"
)

// Events lists every event.
var Events = []Event{
	EventMatch, EventQuote, EventContract, EventFund, EventShip, EventDeliver,
	EventDispute, EventResolve, EventSettle, EventResume, EventCancel,
}

// PartyIssuable reports whether buyers and sellers may send e directly.
// Dispute events are issued only by the dispute resolver.
func (e Event) PartyIssuable() bool {
	switch e {
	case EventDispute, EventResolve, EventResume:
		return false
	}
	return e.Valid()
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	_, ok := edges[e]
	return ok || e == EventCancel || e == EventResume
}

// RejectedError describes a refused transition.
type RejectedError struct {
	From  ledger.TradeStatus
	Event Event
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("cannot %s a trade in status %s", e.Event, e.From)
}

func (e *RejectedError) Unwrap() error { return ErrInvalidTransition }

type edge struct {
	from []ledger.TradeStatus
	to   ledger.TradeStatus
}

var edges = map[Event]edge{
	EventMatch:    {from: []ledger.TradeStatus{ledger.TradeRFQCreated}, to: ledger.TradeMatched},
	EventQuote:    {from: []ledger.TradeStatus{ledger.TradeMatched}, to: ledger.TradeQuoted},
	EventContract: {from: []ledger.TradeStatus{ledger.TradeQuoted}, to: ledger.TradeContracted},
	EventFund:     {from: []ledger.TradeStatus{ledger.TradeContracted}, to: ledger.TradeEscrowFunded},
	EventShip:     {from: []ledger.TradeStatus{ledger.TradeEscrowFunded}, to: ledger.TradeShipped},
	EventDeliver:  {from: []ledger.TradeStatus{ledger.TradeShipped}, to: ledger.TradeDelivered},
	EventDispute: {
		from: []ledger.TradeStatus{ledger.TradeEscrowFunded, ledger.TradeShipped, ledger.TradeDelivered},
		to:   ledger.TradeDisputed,
	},
	EventResolve: {from: []ledger.TradeStatus{ledger.TradeDisputed}, to: ledger.TradeResolved},
	EventSettle:  {from: []ledger.TradeStatus{ledger.TradeDelivered, ledger.TradeResolved}, to: ledger.TradeSettled},
}

// ResumableStatuses are the statuses a resolved trade may return to.
var ResumableStatuses = []ledger.TradeStatus{ledger.TradeEscrowFunded, ledger.TradeShipped, ledger.TradeDelivered}

// Disputable reports whether a trade in status s may be disputed.
func Disputable(s ledger.TradeStatus) bool {
	_, err := Next(s, EventDispute, "")
	return err == nil
}

// Next returns the status reached by applying ev to from. resumeTo is only
// read for EventResume.
func Next(from ledger.TradeStatus, ev Event, resumeTo ledger.TradeStatus) (ledger.TradeStatus, error) {
	if !from.Valid() || from.IsTerminal() {
		return "", &RejectedError{From: from, Event: ev}
	}
	switch ev {
	case EventCancel:
		return ledger.TradeCancelled, nil
	case EventResume:
		if from != ledger.TradeResolved {
			return "", &RejectedError{From: from, Event: ev}
		}
		for _, s := range ResumableStatuses {
			if s == resumeTo {
				return resumeTo, nil
			}
		}
		return "", &RejectedError{From: from, Event: ev}
	}
	e, ok := edges[ev]
	if !ok {
		return "", &RejectedError{From: from, Event: ev}
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", &RejectedError{From: from, Event: ev}
}
