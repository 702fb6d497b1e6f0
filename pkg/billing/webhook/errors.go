package webhook

import (
	"errors"
	"net/http"
)

var (
	// ErrMissingBody is returned when a webhook request carries no body
	ErrMissingBody = errors.New("missing request body")

	// ErrMissingHeaders is returned when any of the three signature headers is absent
	ErrMissingHeaders = errors.New("missing required webhook headers")

	// ErrInvalidTimestamp is returned when webhook-timestamp is not a unix timestamp
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")

	// ErrTimestampTolerance is returned when webhook-timestamp is too far from the current time
	ErrTimestampTolerance = errors.New("webhook timestamp outside tolerance")

	// ErrInvalidSignature is returned when no signature matches the payload
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrPayloadTooLarge is returned when the body exceeds the configured limit
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidPayload is returned when a verified body is not a JSON event envelope
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrEmptySecret is returned when a verifier or signer is built without a secret
	ErrEmptySecret = errors.New("webhook secret is required")

	// ErrInvalidSecret is returned when an encoded secret is not a whsec_ key
	ErrInvalidSecret = errors.New("invalid webhook secret")

	// ErrNoVerifier is returned by NewIngestor when Config.Verifier is nil
	ErrNoVerifier = errors.New("webhook verifier is required")

	// ErrReceiptStore is returned when the receipt store cannot record a delivery
	ErrReceiptStore = errors.New("webhook receipt store failure")
)

// ErrorKind classifies ingestion failures so callers can branch without
// inspecting messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMissingBody
	KindVerificationFailed
	KindInvalidPayload
	KindPayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissingBody:
		return "missing_body"
	case KindVerificationFailed:
		return "verification_failed"
	case KindInvalidPayload:
		return "invalid_payload"
	case KindPayloadTooLarge:
		return "payload_too_large"
	default:
		return "unknown"
	}
}

// StatusCode maps the kind to the HTTP status returned at the request boundary.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindMissingBody, KindInvalidPayload:
		return http.StatusBadRequest
	case KindVerificationFailed:
		return http.StatusForbidden
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is the result of a rejected webhook. It wraps the underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the text written to the response body for this error.
func (e *Error) Message() string {
	switch e.Kind {
	case KindMissingBody:
		return "Missing request body"
	case KindVerificationFailed:
		return "Webhook verification failed: " + e.Error()
	case KindInvalidPayload:
		return "Invalid webhook payload"
	case KindPayloadTooLarge:
		return "Payload too large"
	default:
		return "Internal Server Error"
	}
}

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
