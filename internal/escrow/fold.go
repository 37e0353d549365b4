package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/ledger"
)

// Sums are the money buckets of an escrow account.
type Sums struct {
	Total    decimal.Decimal `json:"total"`
	Held     decimal.Decimal `json:"held"`
	Released decimal.Decimal `json:"released"`
	Refunded decimal.Decimal `json:"refunded"`
}

// SumsOf reads the buckets stored on an account.
func SumsOf(a *ledger.EscrowAccount) Sums {
	return Sums{Total: a.TotalAmount, Held: a.HeldAmount, Released: a.ReleasedAmount, Refunded: a.RefundedAmount}
}

// Balanced reports whether held + released + refunded == total with no
// negative bucket.
func (s Sums) Balanced() bool {
	if s.Held.IsNegative() || s.Released.IsNegative() || s.Refunded.IsNegative() {
		return false
	}
	return s.Held.Add(s.Released).Add(s.Refunded).Equal(s.Total)
}

// Equal compares every bucket.
func (s Sums) Equal(o Sums) bool {
	return s.Total.Equal(o.Total) && s.Held.Equal(o.Held) &&
		s.Released.Equal(o.Released) && s.Refunded.Equal(o.Refunded)
}

// Fold replays events in order. It fails if any prefix would take held
// below zero.
func Fold(events []*ledger.EscrowEvent) (Sums, error) {
	s := Sums{Total: decimal.Zero, Held: decimal.Zero, Released: decimal.Zero, Refunded: decimal.Zero}
	for _, ev := range events {
		switch ev.Type {
		case ledger.EventHold:
			s.Total = s.Total.Add(ev.Amount)
			s.Held = s.Held.Add(ev.Amount)
		case ledger.EventRelease, ledger.EventPartialRelease:
			s.Held = s.Held.Sub(ev.Amount)
			s.Released = s.Released.Add(ev.Amount)
		case ledger.EventRefund:
			s.Held = s.Held.Sub(ev.Amount)
			s.Refunded = s.Refunded.Add(ev.Amount)
		default:
			return s, fmt.Errorf("%w: unknown event type %q (seq %d)", ErrInvariantViolation, ev.Type, ev.Seq)
		}
		if s.Held.IsNegative() {
			return s, fmt.Errorf("%w: held negative after seq %d", ErrInvariantViolation, ev.Seq)
		}
	}
	return s, nil
}

// DeriveStatus computes the account status from its sums.
func DeriveStatus(required decimal.Decimal, s Sums, cancelled bool) ledger.EscrowStatus {
	switch {
	case cancelled:
		return ledger.EscrowCancelled
	case s.Total.IsZero():
		return ledger.EscrowRequired
	}

	paidOut := s.Released.Add(s.Refunded).IsPositive()
	switch {
	case s.Held.IsZero() && s.Released.IsPositive():
		return ledger.EscrowReleased
	case s.Held.IsZero():
		return ledger.EscrowRefunded
	case paidOut:
		return ledger.EscrowPartiallyReleased
	case s.Held.GreaterThanOrEqual(required):
		return ledger.EscrowHeld
	default:
		return ledger.EscrowPending
	}
}

// Drift describes a disagreement between stored sums and the event fold.
type Drift struct {
	EscrowID string `json:"escrowId"`
	Stored   Sums   `json:"stored"`
	Folded   Sums   `json:"folded"`
	Status   string `json:"status"`
	Derived  string `json:"derived"`
	Detail   string `json:"detail"`
}

// Verify re-folds events and compares them with the stored account.
// It returns nil when they agree.
func Verify(a *ledger.EscrowAccount, events []*ledger.EscrowEvent) *Drift {
	stored := SumsOf(a)
	folded, err := Fold(events)
	d := &Drift{EscrowID: a.ID, Stored: stored, Folded: folded, Status: string(a.Status)}
	if err != nil {
		d.Detail = err.Error()
		return d
	}
	derived := DeriveStatus(a.RequiredAmount, folded, a.Cancelled)
	d.Derived = string(derived)
	switch {
	case !stored.Balanced():
		d.Detail = "stored sums do not balance"
	case !stored.Equal(folded):
		d.Detail = "stored sums differ from event fold"
	case derived != a.Status:
		d.Detail = "stored status differs from derived status"
	default:
		return nil
	}
	return d
}
