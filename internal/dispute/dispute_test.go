package dispute

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/escrow"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/trade"
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

func (r *recorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.EventType == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	store    *ledger.MemoryStore
	engine   *escrow.Engine
	trades   *trade.Service
	disputes *Service
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recorder{}
	engine := escrow.NewEngine(store, rec, logger)
	trades := trade.NewService(store, engine, logger)
	return &fixture{
		store: store, engine: engine, trades: trades, rec: rec,
		disputes: NewService(store, trades, engine, logger),
	}
}

// fundedTrade returns a checkout trade funded for amount and advanced by
// the given events.
func (f *fixture) fundedTrade(t *testing.T, amount string, events ...trade.Event) (*ledger.Trade, *ledger.EscrowAccount) {
	t.Helper()
	ctx := context.Background()
	tr, err := f.trades.Create(ctx, trade.CreateRequest{
		BuyerID: "buyer_co", SellerID: "seller_co", Currency: "USD", AgreedAmount: d(amount), Checkout: true,
	})
	require.NoError(t, err)
	a, err := f.engine.GetByTrade(ctx, tr.ID)
	require.NoError(t, err)
	_, err = f.engine.Hold(ctx, a.ID, d(amount), "pi_"+tr.ID, ledger.CauseWebhook)
	require.NoError(t, err)
	for _, ev := range append([]trade.Event{trade.EventFund}, events...) {
		tr, err = f.trades.Transition(ctx, trade.TransitionRequest{TradeID: tr.ID, Event: ev})
		require.NoError(t, err)
	}
	return tr, a
}

func (f *fixture) open(t *testing.T, tradeID string) *ledger.Dispute {
	t.Helper()
	dsp, err := f.disputes.Open(context.Background(), OpenRequest{TradeID: tradeID, RaisedBy: "buyer_co", Reason: "goods damaged"})
	require.NoError(t, err)
	return dsp
}

func TestScenarioC_SplitResolutionSettlesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, a := f.fundedTrade(t, "1000", trade.EventShip, trade.EventDeliver)
	dsp := f.open(t, tr.ID)

	resolved, err := f.disputes.Resolve(ctx, ResolveRequest{
		DisputeID: dsp.ID, Outcome: ledger.OutcomeSplit,
		ReleaseAmount: d("600"), RefundAmount: d("400"), Actor: "arbiter", Note: "partial damage",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, resolved.Status)
	assert.True(t, resolved.ReleasedAmount.Equal(d("600")))
	assert.True(t, resolved.RefundedAmount.Equal(d("400")))

	events, err := f.store.ListEscrowEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 3, "hold plus two resolution events")
	for _, ev := range events[1:] {
		assert.Equal(t, ledger.CauseDisputeResolution, ev.CausedBy)
	}

	acct, err := f.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, acct.HeldAmount.IsZero())
	assert.True(t, acct.ReleasedAmount.Equal(d("600")))
	assert.True(t, acct.RefundedAmount.Equal(d("400")))
	assert.Nil(t, escrow.Verify(acct, events))

	got, err := f.trades.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeSettled, got.Status)
	assert.True(t, f.rec.has(notify.TypeDisputeResolved))
}

func TestOpen_FreezesEscrowAndDisputesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, a := f.fundedTrade(t, "500", trade.EventShip)
	dsp := f.open(t, tr.ID)

	assert.Equal(t, ledger.DisputeInReview, dsp.Status)
	assert.Equal(t, "seller_co", dsp.Against)
	assert.Equal(t, ledger.TradeShipped, dsp.ResumeStatus)

	got, err := f.trades.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeDisputed, got.Status)

	_, err = f.engine.Release(ctx, a.ID, d("100"), "", ledger.CauseWebhook)
	assert.ErrorIs(t, err, escrow.ErrEscrowFrozen)
	assert.True(t, f.rec.has(notify.TypeDisputeOpened))
}

func TestOpen_Exclusivity(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.fundedTrade(t, "500")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.disputes.Open(context.Background(), OpenRequest{TradeID: tr.ID, RaisedBy: "seller_co", Reason: "unpaid"})
			if err == nil {
				mu.Lock()
				opened++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrDisputeAlreadyOpen)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, opened)

	list, err := f.disputes.ListByTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOpen_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	funded, _ := f.fundedTrade(t, "100")
	_, err := f.disputes.Open(ctx, OpenRequest{TradeID: funded.ID, RaisedBy: "stranger", Reason: "x"})
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.disputes.Open(ctx, OpenRequest{TradeID: funded.ID, RaisedBy: "buyer_co", Against: "buyer_co", Reason: "x"})
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.disputes.Open(ctx, OpenRequest{TradeID: funded.ID, RaisedBy: "buyer_co", Reason: "  "})
	assert.ErrorIs(t, err, ErrReasonRequired)
	_, err = f.disputes.Open(ctx, OpenRequest{TradeID: "trd_missing", RaisedBy: "buyer_co", Reason: "x"})
	assert.ErrorIs(t, err, ledger.ErrTradeNotFound)

	unfunded, err := f.trades.Create(ctx, trade.CreateRequest{
		BuyerID: "buyer_co", SellerID: "seller_co", Currency: "USD", AgreedAmount: d("100"), Checkout: true,
	})
	require.NoError(t, err)
	_, err = f.disputes.Open(ctx, OpenRequest{TradeID: unfunded.ID, RaisedBy: "buyer_co", Reason: "x"})
	assert.ErrorIs(t, err, trade.ErrInvalidTransition)

	delivered, a := f.fundedTrade(t, "100", trade.EventShip, trade.EventDeliver)
	_, err = f.engine.Release(ctx, a.ID, d("100"), "paid out", ledger.CauseWebhook)
	require.NoError(t, err)
	_, err = f.disputes.Open(ctx, OpenRequest{TradeID: delivered.ID, RaisedBy: "buyer_co", Reason: "x"})
	assert.ErrorIs(t, err, ErrNothingToArbitrate)
}

func TestResolve_DefaultAllocations(t *testing.T) {
	tests := []struct {
		outcome      ledger.Outcome
		wantStatus   ledger.EscrowStatus
		wantReleased string
		wantRefunded string
	}{
		{ledger.OutcomeFavorBuyer, ledger.EscrowRefunded, "0", "750"},
		{ledger.OutcomeFavorSeller, ledger.EscrowReleased, "750", "0"},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tr, a := f.fundedTrade(t, "750")
			dsp := f.open(t, tr.ID)

			_, err := f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: tt.outcome, Actor: "arbiter"})
			require.NoError(t, err)

			acct, err := f.engine.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, acct.Status)
			assert.True(t, acct.ReleasedAmount.Equal(d(tt.wantReleased)))
			assert.True(t, acct.RefundedAmount.Equal(d(tt.wantRefunded)))

			got, err := f.trades.Get(ctx, tr.ID)
			require.NoError(t, err)
			assert.Equal(t, ledger.TradeSettled, got.Status)
		})
	}
}

func TestResolve_PartialAllocationResumesTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, a := f.fundedTrade(t, "1000", trade.EventShip)
	dsp := f.open(t, tr.ID)

	_, err := f.disputes.Resolve(ctx, ResolveRequest{
		DisputeID: dsp.ID, Outcome: ledger.OutcomeSplit, RefundAmount: d("200"), Actor: "arbiter",
	})
	require.ErrorIs(t, err, ErrInvalidAllocation, "leaving funds held requires resume")

	_, err = f.disputes.Resolve(ctx, ResolveRequest{
		DisputeID: dsp.ID, Outcome: ledger.OutcomeSplit, RefundAmount: d("200"), Resume: true, Actor: "arbiter",
	})
	require.NoError(t, err)

	got, err := f.trades.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TradeShipped, got.Status)

	acct, err := f.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, acct.HeldAmount.Equal(d("800")))

	_, err = f.engine.Release(ctx, a.ID, d("100"), "", ledger.CauseWebhook)
	assert.NoError(t, err, "escrow unfrozen after resolution")
}

func TestResolve_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, _ := f.fundedTrade(t, "100")
	dsp := f.open(t, tr.ID)

	_, err := f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: "coin_flip"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeSplit})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeSplit, ReleaseAmount: d("60"), RefundAmount: d("60")})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeFavorBuyer, ReleaseAmount: d("100")})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeFavorSeller, RefundAmount: d("100")})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: "dsp_missing", Outcome: ledger.OutcomeSplit})
	assert.ErrorIs(t, err, ledger.ErrDisputeNotFound)

	got, err := f.disputes.Get(ctx, dsp.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeInReview, got.Status, "failed resolutions change nothing")

	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeFavorSeller})
	require.NoError(t, err)
	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeFavorSeller})
	assert.ErrorIs(t, err, ErrDisputeClosed)
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, _ := f.fundedTrade(t, "100")
	dsp := f.open(t, tr.ID)

	esc, err := f.disputes.Escalate(ctx, dsp.ID, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeEscalated, esc.Status)
	assert.NotNil(t, esc.EscalatedAt)

	_, err = f.disputes.Escalate(ctx, dsp.ID, "arbiter")
	assert.ErrorIs(t, err, ErrAlreadyEscalated)

	_, err = f.disputes.Resolve(ctx, ResolveRequest{DisputeID: dsp.ID, Outcome: ledger.OutcomeFavorBuyer})
	require.NoError(t, err)
	_, err = f.disputes.Escalate(ctx, dsp.ID, "arbiter")
	assert.ErrorIs(t, err, ErrDisputeClosed)
}
