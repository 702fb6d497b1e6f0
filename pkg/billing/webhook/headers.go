package webhook

import (
	"net/http"
	"strings"
)

// Standard Webhooks header names. Lookups are case-insensitive.
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	// HeaderStripeSignature carries Stripe's timestamp and signatures in one value.
	HeaderStripeSignature = "Stripe-Signature"
)

// Headers holds the three values a webhook signature is computed over
// (together with the raw body).
type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

// HeadersFromRequest extracts the signature headers from an inbound request.
func HeadersFromRequest(r *http.Request) Headers {
	return FromHTTPHeader(r.Header)
}

// FromHTTPHeader extracts the signature headers from h. Signature falls
// back to Stripe-Signature when webhook-signature is absent.
func FromHTTPHeader(h http.Header) Headers {
	out := Headers{
		ID:        strings.TrimSpace(h.Get(HeaderID)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
	}
	if out.Signature == "" {
		out.Signature = strings.TrimSpace(h.Get(HeaderStripeSignature))
	}
	return out
}

// Complete reports whether all three headers are present.
func (h Headers) Complete() bool {
	return h.ID != "" && h.Timestamp != "" && h.Signature != ""
}

// HTTPHeader renders the headers for an outbound request or a verification library.
func (h Headers) HTTPHeader() http.Header {
	out := http.Header{}
	out.Set(HeaderID, h.ID)
	out.Set(HeaderTimestamp, h.Timestamp)
	out.Set(HeaderSignature, h.Signature)
	return out
}

// Apply copies the headers onto an outbound request.
func (h Headers) Apply(r *http.Request) {
	r.Header.Set(HeaderID, h.ID)
	r.Header.Set(HeaderTimestamp, h.Timestamp)
	r.Header.Set(HeaderSignature, h.Signature)
}
