package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeflow/internal/circuitbreaker"
	"github.com/mbd888/tradeflow/internal/ledger"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// seedTrade stores a trade between buyer_co and seller_co. An empty
// escrowStatus leaves the trade without an escrow account.
func seedTrade(t *testing.T, store *ledger.MemoryStore, id string, status ledger.TradeStatus, escrowStatus ledger.EscrowStatus) {
	t.Helper()
	now := time.Now()
	err := store.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		tr := &ledger.Trade{
			ID: id, BuyerID: "buyer_co", SellerID: "seller_co", Status: status,
			Currency: "USD", AgreedAmount: decimal.NewFromInt(1000), Version: 1,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := tx.CreateTrade(ctx, tr); err != nil {
			return err
		}
		if escrowStatus == "" {
			return nil
		}
		return tx.CreateEscrow(ctx, &ledger.EscrowAccount{
			ID: "esc_" + id, TradeID: id, Status: escrowStatus, Currency: "USD",
			RequiredAmount: decimal.NewFromInt(1000),
			TotalAmount:    decimal.Zero, HeldAmount: decimal.Zero, ReleasedAmount: decimal.Zero,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func static(score int, level ComplianceLevel) SignalProvider {
	return ProviderFunc(func(context.Context, string) (Signal, error) {
		return Signal{Score: score, Level: level, UpdatedAt: evalTime}, nil
	})
}

// switchable fails once down is set.
type switchable struct {
	sig   Signal
	down  atomic.Bool
	calls atomic.Int32
}

func (s *switchable) GetSignal(context.Context, string) (Signal, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return Signal{}, errors.New("provider down")
	}
	return s.sig, nil
}

func TestService_ScenarioD(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_d", ledger.TradeEscrowFunded, ledger.EscrowHeld)

	svc := NewService(store, Providers{
		Trust:      static(90, ""),
		Compliance: static(0, ComplianceCompliant),
		Logistics:  static(70, ""),
	}, DefaultPolicy(), time.Second, discard())

	snap, err := svc.Evaluate(context.Background(), "trd_d")
	require.NoError(t, err)
	assert.Equal(t, 91, snap.Score)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Empty(t, snap.Blockers)
}

func TestService_TradeNotFound(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore(), Providers{}, DefaultPolicy(), time.Second, discard())
	_, err := svc.Evaluate(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrTradeNotFound)
}

func TestService_NoEscrowIsUnfunded(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_q", ledger.TradeQuoted, "")

	svc := NewService(store, Providers{
		Trust:      static(90, ""),
		Compliance: static(0, ComplianceCompliant),
		Logistics:  static(90, ""),
	}, DefaultPolicy(), time.Second, discard())

	snap, err := svc.Evaluate(context.Background(), "trd_q")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Components.Financial.Score)
	require.NotEmpty(t, snap.Blockers)
	assert.Equal(t, ComponentFinancial, snap.Blockers[0].Component)
	assert.Equal(t, SeverityCritical, snap.Blockers[0].Severity)
}

func TestService_FallsBackToLastKnown(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_s", ledger.TradeShipped, ledger.EscrowHeld)

	trust := &switchable{sig: Signal{Score: 90, UpdatedAt: evalTime}}
	svc := NewService(store, Providers{
		Trust:      trust,
		Compliance: static(0, ComplianceCompliant),
		Logistics:  static(70, ""),
	}, DefaultPolicy(), time.Second, discard())
	ctx := context.Background()

	first, err := svc.Evaluate(ctx, "trd_s")
	require.NoError(t, err)
	assert.Equal(t, StateKnown, first.Components.Trust.State)

	trust.down.Store(true)
	second, err := svc.Evaluate(ctx, "trd_s")
	require.NoError(t, err)
	assert.Equal(t, StateStale, second.Components.Trust.State)
	assert.Equal(t, 90, second.Components.Trust.Score)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, int32(2), trust.calls.Load())
}

func TestService_UnknownWithoutHistory(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_u", ledger.TradeShipped, ledger.EscrowHeld)

	down := &switchable{}
	down.down.Store(true)
	svc := NewService(store, Providers{
		Trust:      down,
		Compliance: static(0, ComplianceCompliant),
		Logistics:  static(70, ""),
	}, DefaultPolicy(), time.Second, discard())

	snap, err := svc.Evaluate(context.Background(), "trd_u")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, snap.Components.Trust.State)
	assert.Equal(t, 50, snap.Components.Trust.Score)
	require.Len(t, snap.Blockers, 1)
	assert.Equal(t, "signal unavailable", snap.Blockers[0].Message)
}

func TestService_SlowProviderTimesOut(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_t", ledger.TradeShipped, ledger.EscrowHeld)

	slow := ProviderFunc(func(ctx context.Context, _ string) (Signal, error) {
		<-ctx.Done()
		return Signal{}, ctx.Err()
	})
	svc := NewService(store, Providers{
		Trust:      slow,
		Compliance: slow,
		Logistics:  slow,
	}, DefaultPolicy(), 20*time.Millisecond, discard())

	start := time.Now()
	snap, err := svc.Evaluate(context.Background(), "trd_t")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "providers are queried concurrently under the timeout")
	assert.Equal(t, StateUnknown, snap.Components.Logistics.State)
	assert.Len(t, snap.Blockers, 3)
}

func TestHTTPProvider_GetSignal(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"score": 87, "level": "partial", "updatedAt": evalTime,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("trust", srv.URL, 0, nil)
	sig, err := p.GetSignal(context.Background(), "seller_co")
	require.NoError(t, err)
	assert.Equal(t, "/companies/seller_co/signal", path)
	assert.Equal(t, 87, sig.Score)
	assert.Equal(t, CompliancePartial, sig.Level)
	assert.True(t, sig.UpdatedAt.Equal(evalTime))
}

func TestHTTPProvider_NormalizesLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"score": 100, "level": "Compliant"})
	}))
	defer srv.Close()

	sig, err := NewHTTPProvider("compliance", srv.URL, 0, nil).GetSignal(context.Background(), "seller_co")
	require.NoError(t, err)
	assert.Equal(t, ComplianceCompliant, sig.Level)
}

func TestHTTPProvider_BreakerOpensOnFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider("logistics", srv.URL, 0, circuitbreaker.New(2, time.Minute))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := p.GetSignal(ctx, "seller_co")
		assert.ErrorIs(t, err, ErrSignalUnavailable)
	}
	assert.Equal(t, int32(2), hits.Load(), "calls stop once the circuit opens")
}

func TestService_HTTPProvidersEndToEnd(t *testing.T) {
	serve := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, body)
		}))
	}
	trust := serve(`{"score": 90}`)
	defer trust.Close()
	comp := serve(`{"score": 100, "level": "compliant"}`)
	defer comp.Close()
	logi := serve(`{"score": 70}`)
	defer logi.Close()

	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_h", ledger.TradeDelivered, ledger.EscrowHeld)
	svc := NewService(store, Providers{
		Trust:      NewHTTPProvider("trust", trust.URL, 50, nil),
		Compliance: NewHTTPProvider("compliance", comp.URL, 50, nil),
		Logistics:  NewHTTPProvider("logistics", logi.URL, 50, nil),
	}, DefaultPolicy(), time.Second, discard())

	snap, err := svc.Evaluate(context.Background(), "trd_h")
	require.NoError(t, err)
	assert.Equal(t, 91, snap.Score)
	assert.Equal(t, StatusReady, snap.Status)
}

func TestTimer_RunOnceCountsBlocked(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedTrade(t, store, "trd_ok", ledger.TradeEscrowFunded, ledger.EscrowHeld)
	seedTrade(t, store, "trd_blocked", ledger.TradeContracted, ledger.EscrowRequired)
	seedTrade(t, store, "trd_done", ledger.TradeSettled, ledger.EscrowReleased)

	svc := NewService(store, Providers{
		Trust:      static(40, ""),
		Compliance: static(0, ComplianceCompliant),
		Logistics:  static(70, ""),
	}, DefaultPolicy(), time.Second, discard())
	timer := NewTimer(svc, time.Hour, discard())

	// trd_ok: 1200+2500+2500+1400 = 7600 -> warning
	// trd_blocked: 1200+2500+0+1400 = 5100 -> blocked
	blocked, err := timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)
	assert.Equal(t, 3, svc.cache.Len(), "one cached signal per component for seller_co")
}

func TestTimer_StartStop(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore(), Providers{}, DefaultPolicy(), time.Second, discard())
	timer := NewTimer(svc, time.Hour, discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
