package webhook

import (
	"fmt"
	"strconv"
	"time"

	svix "github.com/svix/svix-webhooks/go"
)

// Signer produces Standard Webhooks headers for a payload. It is the
// counterpart of SignatureVerifier and is used by tests and the signing CLI.
type Signer struct {
	wh *svix.Webhook
}

// SignerOption customizes a Signer.
type SignerOption func(*signerConfig)

type signerConfig struct {
	encoded bool
}

// SignWithEncodedSecret is the Signer counterpart of WithEncodedSecret.
func SignWithEncodedSecret() SignerOption {
	return func(c *signerConfig) { c.encoded = true }
}

// NewSigner builds a signer for the shared webhook secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	var cfg signerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	wh, err := newSvixWebhook(secret, cfg.encoded)
	if err != nil {
		return nil, err
	}
	return &Signer{wh: wh}, nil
}

// Sign signs body as message id at ts.
func (s *Signer) Sign(id string, ts time.Time, body []byte) (Headers, error) {
	sig, err := s.wh.Sign(id, ts, body)
	if err != nil {
		return Headers{}, fmt.Errorf("sign webhook: %w", err)
	}
	return Headers{
		ID:        id,
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
		Signature: sig,
	}, nil
}
