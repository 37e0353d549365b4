package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/circuitbreaker"
)

// ErrSignalUnavailable means a provider could not produce a signal.
var ErrSignalUnavailable = apperr.New(apperr.KindUpstream, "signal_unavailable", "readiness signal unavailable")

// SignalProvider supplies one readiness signal for a company.
type SignalProvider interface {
	GetSignal(ctx context.Context, companyID string) (Signal, error)
}

// ProviderFunc adapts a function to SignalProvider.
type ProviderFunc func(ctx context.Context, companyID string) (Signal, error)

// GetSignal implements SignalProvider.
func (f ProviderFunc) GetSignal(ctx context.Context, companyID string) (Signal, error) {
	return f(ctx, companyID)
}

// HTTPProvider reads signals from a JSON endpoint:
//
//	GET {baseURL}/companies/{companyID}/signal -> {"score": 87, "level": "partial", "updatedAt": "..."}
//
// Calls are rate limited and guarded by a circuit breaker so a failing
// provider is skipped quickly instead of eating the evaluation timeout.
type HTTPProvider struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
}

// NewHTTPProvider creates a provider for baseURL. rps <= 0 disables rate
// limiting.
func NewHTTPProvider(name, baseURL string, rps float64, breaker *circuitbreaker.Breaker) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPProvider{name: name, client: client, limiter: limiter, breaker: breaker}
}

// GetSignal implements SignalProvider.
func (p *HTTPProvider) GetSignal(ctx context.Context, companyID string) (Signal, error) {
	var sig Signal
	err := p.breaker.Do(p.name, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := p.client.R().
			SetContext(ctx).
			SetPathParam("company", companyID).
			SetResult(&sig).
			Get("/companies/{company}/signal")
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("%s provider returned %d", p.name, resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %s: %v", ErrSignalUnavailable, p.name, err)
	}
	sig.Level = sig.Level.Normalize()
	if sig.UpdatedAt.IsZero() {
		sig.UpdatedAt = time.Now()
	}
	return sig, nil
}
