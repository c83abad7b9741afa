package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier authenticates a raw webhook body.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier builds a verifier. A zero tolerance uses the library default.
func NewStripeVerifier(secret string, tolerance time.Duration) (*StripeVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidConfig)
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}, nil
}

// Verify returns the event envelope or ErrInvalidSignature.
func (verifier *StripeVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, verifier.secret, webhook.ConstructEventOptions{
		Tolerance:                verifier.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
