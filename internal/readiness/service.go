package readiness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tradeflow/internal/ledger"
)

// DefaultSignalTimeout bounds each provider call.
const DefaultSignalTimeout = 2 * time.Second

// Providers are the three external signal sources. A nil provider always
// yields an unknown reading.
type Providers struct {
	Trust      SignalProvider
	Compliance SignalProvider
	Logistics  SignalProvider
}

// Service evaluates readiness for stored trades.
type Service struct {
	store     ledger.Store
	providers Providers
	policy    Policy
	cache     *Cache
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a readiness service. timeout <= 0 uses
// DefaultSignalTimeout.
func NewService(store ledger.Store, providers Providers, policy Policy, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultSignalTimeout
	}
	return &Service{
		store:     store,
		providers: providers,
		policy:    policy,
		cache:     NewCache(),
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate computes a snapshot for tradeID. Errors come only from the
// store; signal failures degrade to stale or unknown readings.
func (s *Service) Evaluate(ctx context.Context, tradeID string) (*Snapshot, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return s.EvaluateTrade(ctx, t)
}

// EvaluateTrade computes a snapshot for an already loaded trade.
func (s *Service) EvaluateTrade(ctx context.Context, t *ledger.Trade) (*Snapshot, error) {
	in := Input{TradeID: t.ID}

	acct, err := s.store.GetEscrowByTrade(ctx, t.ID)
	switch {
	case err == nil:
		in.EscrowStatus = acct.Status
	case errors.Is(err, ledger.ErrEscrowNotFound):
	default:
		return nil, err
	}

	// Signals describe the seller, the party the buyer is exposed to.
	company := t.SellerID

	var g errgroup.Group
	g.Go(func() error {
		in.Trust = s.read(ctx, ComponentTrust, s.providers.Trust, company)
		return nil
	})
	g.Go(func() error {
		in.Compliance = s.read(ctx, ComponentCompliance, s.providers.Compliance, company)
		return nil
	})
	g.Go(func() error {
		in.Logistics = s.read(ctx, ComponentLogistics, s.providers.Logistics, company)
		return nil
	})
	_ = g.Wait()

	in.EvaluatedAt = s.now()
	snap := s.policy.Score(in)
	evaluationsTotal.WithLabelValues(string(snap.Status)).Inc()
	return &snap, nil
}

func (s *Service) read(ctx context.Context, c Component, p SignalProvider, companyID string) Reading {
	r := s.fetch(ctx, c, p, companyID)
	signalFetches.WithLabelValues(string(c), string(r.State)).Inc()
	return r
}

func (s *Service) fetch(ctx context.Context, c Component, p SignalProvider, companyID string) Reading {
	if p == nil {
		return Reading{State: StateUnknown}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sig, err := p.GetSignal(callCtx, companyID)
	if err == nil {
		s.cache.Put(c, companyID, sig)
		return Reading{Signal: sig, State: StateKnown}
	}

	s.logger.Warn("readiness signal unavailable",
		"component", c, "company_id", companyID, "error", err)
	if last, ok := s.cache.Get(c, companyID); ok {
		return Reading{Signal: last, State: StateStale}
	}
	return Reading{State: StateUnknown}
}
