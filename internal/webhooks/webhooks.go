// Package webhooks delivers trade notifications to subscriber endpoints.
//
// Companies register HTTPS endpoints for the event types they care about.
// Each delivery is a signed JSON POST; the receiver verifies
// X-Tradeflow-Signature as hex HMAC-SHA256 of the body with the
// subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/idgen"
	"github.com/mbd888/tradeflow/internal/notify"
	"github.com/mbd888/tradeflow/internal/retry"
	"github.com/mbd888/tradeflow/internal/security"
)

const (
	HeaderEvent     = "X-Tradeflow-Event"
	HeaderTimestamp = "X-Tradeflow-Timestamp"
	HeaderSignature = "X-Tradeflow-Signature"

	// AllEvents subscribes to every event type.
	AllEvents = "*"

	// maxConsecutiveFailures deactivates a subscription.
	maxConsecutiveFailures = 10
)

var (
	ErrSubscriptionNotFound = apperr.New(apperr.KindNotFound, "webhook_not_found", "webhook subscription not found")
	ErrInvalidURL           = apperr.New(apperr.KindValidation, "invalid_webhook_url", "webhook URL must be an absolute http(s) URL on a public host")
)

// Event is the JSON body of a delivery.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TradeID   string         `json:"tradeId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a company's registered endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	CompanyID           string     `json:"companyId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives eventType.
func (s *Subscription) Wants(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == AllEvents {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByCompany(ctx context.Context, companyID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher signs and posts notifications to the parties' subscriptions.
// It implements notify.Notifier and is meant to sit behind notify.Async.
type Dispatcher struct {
	store        Store
	client       *http.Client
	attempts     int
	baseDelay    time.Duration
	urlValidator func(string) error
	now          func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		attempts:     3,
		baseDelay:    500 * time.Millisecond,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// Notify delivers n to every active subscription of both trade parties.
// It returns the first delivery error after attempting all of them.
func (d *Dispatcher) Notify(ctx context.Context, n notify.Notification) error {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      n.EventType,
		TradeID:   n.TradeID,
		Timestamp: n.OccurredAt,
		Data:      n.Payload,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}

	var errs []error
	seen := make(map[string]bool)
	for _, company := range n.Parties {
		subs, err := d.store.ListByCompany(ctx, company)
		if err != nil {
			errs = append(errs, fmt.Errorf("list subscriptions for %s: %w", company, err))
			continue
		}
		for _, sub := range subs {
			if seen[sub.ID] || !sub.Active || !sub.Wants(event.Type) {
				continue
			}
			seen[sub.ID] = true
			if err := d.Send(ctx, sub, event); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Send posts event to one subscription, retrying server errors, and records
// the outcome on the subscription.
func (d *Dispatcher) Send(ctx context.Context, sub *Subscription, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if verr := d.urlValidator(sub.URL); verr != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidURL, verr)
	} else {
		err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
			return d.post(ctx, sub, event, payload)
		})
	}

	if err != nil {
		deliveriesTotal.WithLabelValues(event.Type, "error").Inc()
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= maxConsecutiveFailures {
			sub.Active = false
		}
	} else {
		deliveriesTotal.WithLabelValues(event.Type, "ok").Inc()
		now := d.now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	}
	if uerr := d.store.Update(ctx, sub); uerr != nil && err == nil {
		return uerr
	}
	if err != nil {
		return fmt.Errorf("webhook %s: %w", sub.ID, err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// ValidateURL rejects non-http(s) URLs and literal loopback, private or
// link-local addresses.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Hostname() == "" {
		return ErrInvalidURL
	}
	host := u.Hostname()
	if host == "localhost" {
		return ErrInvalidURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrInvalidURL
		}
	}
	return nil
}

// MemoryStore keeps subscriptions in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByCompany(_ context.Context, companyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.CompanyID == companyID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
