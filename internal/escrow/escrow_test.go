package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/notify"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.EventType
	}
	return out
}

// newTestEngine returns an engine over a memory store holding one
// contracted trade with an escrow account requiring 1000 USD.
func newTestEngine(t *testing.T) (*Engine, *ledger.MemoryStore, *recorder, string) {
	t.Helper()
	store := ledger.NewMemoryStore()
	rec := &recorder{}
	e := NewEngine(store, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var escrowID string
	err := store.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		tr := &ledger.Trade{
			ID: "trd_1", BuyerID: "buyer_co", SellerID: "seller_co",
			Status: ledger.TradeContracted, Currency: "USD", AgreedAmount: d("1000"),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		if err := tx.CreateTrade(ctx, tr); err != nil {
			return err
		}
		a, err := e.OpenAccount(ctx, tx, tr)
		if err != nil {
			return err
		}
		escrowID = a.ID
		return nil
	})
	require.NoError(t, err)
	return e, store, rec, escrowID
}

func assertBalanced(t *testing.T, store ledger.Store, escrowID string) {
	t.Helper()
	ctx := context.Background()
	a, err := store.GetEscrow(ctx, escrowID)
	require.NoError(t, err)
	events, err := store.ListEscrowEvents(ctx, escrowID)
	require.NoError(t, err)
	assert.True(t, SumsOf(a).Balanced(), "sums must balance: %+v", SumsOf(a))
	assert.Nil(t, Verify(a, events), "stored account must match event fold")
}

func TestEngine_HoldReleaseLifecycle(t *testing.T) {
	e, store, rec, id := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Hold(ctx, id, d("400"), "pi_1", ledger.CauseWebhook)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowPending, res.Account.Status)
	assert.Equal(t, ledger.EventHold, res.Event.Type)

	res, err = e.Hold(ctx, id, d("600"), "pi_2", ledger.CauseWebhook)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, res.Account.Status)
	assert.True(t, res.Account.HeldAmount.Equal(d("1000")))

	res, err = e.Release(ctx, id, d("250"), "milestone 1", ledger.CauseTransition)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowPartiallyReleased, res.Account.Status)
	assert.Equal(t, ledger.EventPartialRelease, res.Event.Type)

	res, err = e.Release(ctx, id, d("750"), "final", ledger.CauseTransition)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, res.Account.Status)
	assert.Equal(t, ledger.EventRelease, res.Event.Type)
	assert.NotNil(t, res.Account.ClosedAt)

	_, err = e.Hold(ctx, id, d("1"), "pi_3", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ErrEscrowAlreadyClosed)

	assertBalanced(t, store, id)
	assert.Equal(t, []string{
		notify.TypeEscrowHold, notify.TypeEscrowHold, notify.TypeEscrowPartial, notify.TypeEscrowRelease,
	}, rec.types())
}

func TestEngine_RefundClosesAccount(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Hold(ctx, id, d("1000"), "", ledger.CauseWebhook)
	require.NoError(t, err)
	res, err := e.Refund(ctx, id, d("1000"), "order cancelled", ledger.CauseTransition)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowRefunded, res.Account.Status)
	assert.True(t, res.Account.RefundedAmount.Equal(d("1000")))
	assertBalanced(t, store, id)
}

func TestEngine_Rejections(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Hold(ctx, id, d("0"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Hold(ctx, id, d("1000.000001"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ErrInvalidAmount, "holds beyond the requirement are rejected")

	_, err = e.Execute(ctx, Request{EscrowID: id, Op: OpHold, Amount: d("10"), Currency: "EUR", Cause: ledger.CauseWebhook})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = e.Execute(ctx, Request{EscrowID: id, Op: "burn", Amount: d("10")})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = e.Execute(ctx, Request{EscrowID: id, Op: OpHold, Amount: d("10"), Cause: "cron"})
	assert.ErrorIs(t, err, ErrInvalidCause)

	_, err = e.Hold(ctx, "esc_missing", d("10"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ledger.ErrEscrowNotFound)

	_, err = e.ManualOverride(ctx, id, OpHold, d("10"), "ops", " ")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	events, err := store.ListEscrowEvents(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, events, "rejected operations append nothing")
}

func TestEngine_ReleaseBeforeHold(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Release(ctx, id, d("1000"), "", ledger.CauseWebhook)
	require.ErrorIs(t, err, ErrInsufficientHeldFunds)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	a, err := store.GetEscrow(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.HeldAmount.IsZero(), "held never goes negative")

	_, err = e.Hold(ctx, id, d("1000"), "pi_1", ledger.CauseWebhook)
	require.NoError(t, err)
	res, err := e.Release(ctx, id, d("1000"), "", ledger.CauseWebhook)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, res.Account.Status)
	assertBalanced(t, store, id)
}

func TestEngine_FrozenByOpenDispute(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Hold(ctx, id, d("1000"), "", ledger.CauseWebhook)
	require.NoError(t, err)

	err = store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateDispute(ctx, &ledger.Dispute{
			ID: "dsp_1", TradeID: "trd_1", RaisedBy: "buyer_co", Against: "seller_co",
			Status: ledger.DisputeInReview, ResumeStatus: ledger.TradeEscrowFunded, OpenedAt: time.Now(),
		})
	})
	require.NoError(t, err)

	_, err = e.Release(ctx, id, d("100"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ErrEscrowFrozen)
	_, err = e.ManualOverride(ctx, id, OpRefund, d("100"), "ops", "chargeback")
	assert.ErrorIs(t, err, ErrEscrowFrozen)

	res, err := e.Refund(ctx, id, d("100"), "arbitration", ledger.CauseDisputeResolution)
	require.NoError(t, err)
	assert.True(t, res.Account.HeldAmount.Equal(d("900")))
}

func TestEngine_CancelUnfunded(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		a, err := e.Cancel(ctx, tx, id)
		if err != nil {
			return err
		}
		assert.Equal(t, ledger.EscrowCancelled, a.Status)
		return nil
	})
	require.NoError(t, err)

	_, err = e.Hold(ctx, id, d("1"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, ErrEscrowAlreadyClosed)
	assertBalanced(t, store, id)
}

func TestEngine_CancelFundedRejected(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Hold(ctx, id, d("10"), "", ledger.CauseWebhook)
	require.NoError(t, err)
	err = store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := e.Cancel(ctx, tx, id)
		return err
	})
	assert.ErrorIs(t, err, ErrHoldNotAllowed)
}

// Random operation sequences must never break held + released + refunded == total.
func TestEngine_SumInvariantUnderRandomOperations(t *testing.T) {
	ops := []Op{OpHold, OpRelease, OpRefund}
	for seed := int64(1); seed <= 20; seed++ {
		e, store, _, id := newTestEngine(t)
		ctx := context.Background()
		rng := rand.New(rand.NewSource(seed))

		for i := 0; i < 40; i++ {
			op := ops[rng.Intn(len(ops))]
			amount := decimal.New(int64(rng.Intn(400)+1), -int32(rng.Intn(3)))
			_, err := e.Execute(ctx, Request{EscrowID: id, Op: op, Amount: amount, Cause: ledger.CauseWebhook})
			if err != nil && apperr.KindOf(err) == apperr.KindFatal {
				t.Fatalf("seed %d: unexpected fatal error: %v", seed, err)
			}
			if errors.Is(err, ErrInvariantViolation) {
				t.Fatalf("seed %d: invariant violation: %v", seed, err)
			}
			assertBalanced(t, store, id)
		}
	}
}

func TestEngine_ConcurrentReleasesNeverOverdraw(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Hold(ctx, id, d("1000"), "", ledger.CauseWebhook)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Release(ctx, id, d("100"), "", ledger.CauseWebhook); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	a, err := store.GetEscrow(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.HeldAmount.IsZero())
	assert.True(t, a.ReleasedAmount.Equal(d("1000")))
	assertBalanced(t, store, id)
}

func TestScenarioA_FullHoldThenFullRelease(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Hold(ctx, id, d("1000"), "pi_a", ledger.CauseWebhook)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, res.Account.Status)
	assert.True(t, res.Account.HeldAmount.Equal(d("1000")))

	res, err = e.Release(ctx, id, d("1000"), "delivered", ledger.CauseWebhook)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowReleased, res.Account.Status)
	assert.True(t, res.Account.HeldAmount.IsZero())
	assert.True(t, res.Account.ReleasedAmount.Equal(d("1000")))
	assertBalanced(t, store, id)
}

func TestScenarioB_RefundAfterFullReleaseRejected(t *testing.T) {
	e, store, _, id := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Hold(ctx, id, d("1000"), "pi_b", ledger.CauseWebhook)
	require.NoError(t, err)
	_, err = e.Release(ctx, id, d("1000"), "delivered", ledger.CauseWebhook)
	require.NoError(t, err)

	_, err = e.Refund(ctx, id, d("400"), "late complaint", ledger.CauseWebhook)
	require.ErrorIs(t, err, ErrEscrowAlreadyClosed)

	events, err := store.ListEscrowEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assertBalanced(t, store, id)
}
