package stripe

import (
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

// DefaultWebhookTolerance is how far the signed timestamp may lag behind now.
const DefaultWebhookTolerance = 5 * time.Minute

// Verifier checks the Stripe-Signature header of a webhook delivery.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

var _ webhook.Verifier = (*Verifier)(nil)

// NewVerifier creates a Verifier for the endpoint's whsec_ signing secret.
// A tolerance <= 0 uses DefaultWebhookTolerance.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, webhook.ErrEmptySecret
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify implements webhook.Verifier. Stripe signs with a single header, so
// only h.Signature is read.
func (v *Verifier) Verify(body []byte, h webhook.Headers) error {
	if h.Signature == "" {
		return webhook.ErrMissingHeaders
	}
	err := stripe.ValidatePayloadWithTolerance(body, h.Signature, v.secret, v.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stripe.ErrNotSigned):
		return webhook.ErrMissingHeaders
	case errors.Is(err, stripe.ErrInvalidHeader):
		return webhook.ErrInvalidTimestamp
	case errors.Is(err, stripe.ErrTooOld):
		return webhook.ErrTimestampTolerance
	default:
		return webhook.ErrInvalidSignature
	}
}
