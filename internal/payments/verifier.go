package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/tradeflow/internal/apperr"
)

// SignatureHeader carries the provider's timestamped HMAC-SHA256 signature.
const SignatureHeader = "Stripe-Signature"

var (
	ErrInvalidSignature = apperr.New(apperr.KindValidation, "invalid_signature", "webhook signature verification failed")
	ErrInvalidPayload   = apperr.New(apperr.KindValidation, "invalid_payload", "webhook payload is malformed")
)

// Object is the provider's payload for an escrow money movement.
type Object struct {
	EscrowID  string `json:"escrow_id"`
	TradeID   string `json:"trade_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Envelope is a verified provider event.
type Envelope struct {
	ID     string
	Type   string
	Object Object
}

// Verifier authenticates inbound provider events.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier. tolerance bounds the age of the signed
// timestamp; zero uses the provider library default.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature header against payload and decodes the event.
// Nothing is decoded before the signature is known to be valid.
func (v *Verifier) Verify(payload []byte, header string) (*Envelope, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil {
		return nil, fmt.Errorf("%w: id, type and data are required", ErrInvalidPayload)
	}

	env := &Envelope{ID: ev.ID, Type: string(ev.Type)}
	if len(ev.Data.Raw) > 0 {
		if err := json.Unmarshal(ev.Data.Raw, &env.Object); err != nil {
			return nil, fmt.Errorf("%w: data.object: %v", ErrInvalidPayload, err)
		}
	}
	return env, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
