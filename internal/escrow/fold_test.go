package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/ledger"
)

func ev(seq int64, typ ledger.EventType, amount string) *ledger.EscrowEvent {
	return &ledger.EscrowEvent{Seq: seq, Type: typ, Amount: d(amount)}
}

func TestFold(t *testing.T) {
	s, err := Fold([]*ledger.EscrowEvent{
		ev(1, ledger.EventHold, "600"),
		ev(2, ledger.EventHold, "400"),
		ev(3, ledger.EventPartialRelease, "300"),
		ev(4, ledger.EventRefund, "200"),
	})
	require.NoError(t, err)
	assert.True(t, s.Total.Equal(d("1000")))
	assert.True(t, s.Held.Equal(d("500")))
	assert.True(t, s.Released.Equal(d("300")))
	assert.True(t, s.Refunded.Equal(d("200")))
	assert.True(t, s.Balanced())
}

func TestFold_NegativeHeldPrefix(t *testing.T) {
	_, err := Fold([]*ledger.EscrowEvent{
		ev(1, ledger.EventRelease, "10"),
		ev(2, ledger.EventHold, "10"),
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestFold_UnknownType(t *testing.T) {
	_, err := Fold([]*ledger.EscrowEvent{ev(1, "mint", "10")})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestDeriveStatus(t *testing.T) {
	required := d("1000")
	tests := []struct {
		name      string
		sums      Sums
		cancelled bool
		want      ledger.EscrowStatus
	}{
		{"nothing held", Sums{Total: d("0"), Held: d("0"), Released: d("0"), Refunded: d("0")}, false, ledger.EscrowRequired},
		{"cancelled", Sums{Total: d("0"), Held: d("0"), Released: d("0"), Refunded: d("0")}, true, ledger.EscrowCancelled},
		{"partially funded", Sums{Total: d("400"), Held: d("400"), Released: d("0"), Refunded: d("0")}, false, ledger.EscrowPending},
		{"fully funded", Sums{Total: d("1000"), Held: d("1000"), Released: d("0"), Refunded: d("0")}, false, ledger.EscrowHeld},
		{"partly released", Sums{Total: d("1000"), Held: d("600"), Released: d("400"), Refunded: d("0")}, false, ledger.EscrowPartiallyReleased},
		{"partly refunded", Sums{Total: d("1000"), Held: d("600"), Released: d("0"), Refunded: d("400")}, false, ledger.EscrowPartiallyReleased},
		{"released", Sums{Total: d("1000"), Held: d("0"), Released: d("1000"), Refunded: d("0")}, false, ledger.EscrowReleased},
		{"split closes released", Sums{Total: d("1000"), Held: d("0"), Released: d("300"), Refunded: d("700")}, false, ledger.EscrowReleased},
		{"refunded", Sums{Total: d("1000"), Held: d("0"), Released: d("0"), Refunded: d("1000")}, false, ledger.EscrowRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(required, tt.sums, tt.cancelled))
		})
	}
}

func TestVerify(t *testing.T) {
	events := []*ledger.EscrowEvent{ev(1, ledger.EventHold, "1000")}
	a := &ledger.EscrowAccount{
		ID: "esc_1", Status: ledger.EscrowHeld, RequiredAmount: d("1000"),
		TotalAmount: d("1000"), HeldAmount: d("1000"), ReleasedAmount: d("0"), RefundedAmount: d("0"),
	}
	assert.Nil(t, Verify(a, events))

	drifted := *a
	drifted.HeldAmount = d("900")
	drifted.ReleasedAmount = d("100")
	drift := Verify(&drifted, events)
	require.NotNil(t, drift)
	assert.Equal(t, "stored sums differ from event fold", drift.Detail)

	wrongStatus := *a
	wrongStatus.Status = ledger.EscrowPending
	drift = Verify(&wrongStatus, events)
	require.NotNil(t, drift)
	assert.Equal(t, "stored status differs from derived status", drift.Detail)
}
