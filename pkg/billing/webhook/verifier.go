package webhook

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"
)

// DefaultTolerance is the maximum allowed distance between webhook-timestamp
// and the local clock, in either direction.
const DefaultTolerance = 5 * time.Minute

const secretPrefix = "whsec_"

// Verifier authenticates a raw webhook body against its signature headers.
type Verifier interface {
	Verify(body []byte, h Headers) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(body []byte, h Headers) error

func (f VerifierFunc) Verify(body []byte, h Headers) error {
	return f(body, h)
}

// SignatureVerifier checks Standard Webhooks signatures using the svix
// library. The timestamp window is enforced here, not by the library, so the
// tolerance is explicit and testable.
type SignatureVerifier struct {
	wh        *svix.Webhook
	tolerance time.Duration
	now       func() time.Time
	encoded   bool
}

// VerifierOption customizes a SignatureVerifier.
type VerifierOption func(*SignatureVerifier)

// WithTolerance sets the accepted timestamp skew. Values <= 0 keep DefaultTolerance.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithClock replaces time.Now for timestamp checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithEncodedSecret takes a whsec_ secret as the base64 signing key, the
// way Standard Webhooks senders other than Polar issue it. By default the
// whole secret is the key, which is what Polar signs with.
func WithEncodedSecret() VerifierOption {
	return func(v *SignatureVerifier) {
		v.encoded = true
	}
}

// NewSignatureVerifier builds a verifier for the shared webhook secret.
func NewSignatureVerifier(secret string, opts ...VerifierOption) (*SignatureVerifier, error) {
	v := &SignatureVerifier{
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	wh, err := newSvixWebhook(secret, v.encoded)
	if err != nil {
		return nil, err
	}
	v.wh = wh
	return v, nil
}

// Tolerance returns the configured timestamp window.
func (v *SignatureVerifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify implements Verifier.
func (v *SignatureVerifier) Verify(body []byte, h Headers) error {
	if !h.Complete() {
		return ErrMissingHeaders
	}

	secs, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, h.Timestamp)
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrTimestampTolerance
	}

	if err := v.wh.VerifyIgnoringTimestamp(body, h.HTTPHeader()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// newSvixWebhook builds the library verifier. The library expects a base64
// key: the raw secret is encoded unless encoded is set, in which case the
// secret must already be a whsec_ key.
func newSvixWebhook(secret string, encoded bool) (*svix.Webhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if encoded {
		if !strings.HasPrefix(secret, secretPrefix) {
			return nil, fmt.Errorf("%w: encoded secret must start with %s", ErrInvalidSecret, secretPrefix)
		}
	} else {
		secret = base64.StdEncoding.EncodeToString([]byte(secret))
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("create webhook verifier: %w", err)
	}
	return wh, nil
}
