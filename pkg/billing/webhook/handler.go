package webhook

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/polarkit/pkg/billing"
	"github.com/mihaimyh/polarkit/pkg/billing/internal"
)

// Handler returns the HTTP endpoint for webhook deliveries.
//
// The raw body is verified before it is parsed. On success the verified body
// is echoed back with 200. Verification failures answer 403, an empty body
// 400, and a handler or receipt store failure 500 so the provider retries.
func (in *Ingestor) Handler() http.Handler {
	return in.rateLimiter.Middleware(http.HandlerFunc(in.serveHTTP))
}

// ServeHTTP implements http.Handler without rate limiting.
func (in *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in.serveHTTP(w, r)
}

func (in *Ingestor) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := in.ReadBody(w, r)
	if err != nil {
		WriteError(w, err)
		return
	}

	event, err := in.Verify(body, HeadersFromRequest(r))
	if err != nil {
		WriteError(w, err)
		return
	}

	outcome, err := in.Deliver(r.Context(), event)
	in.metrics.RecordWebhookProcessingDuration(in.provider, event.Type, time.Since(start))
	if err != nil {
		WriteError(w, err)
		return
	}

	in.logger.Info("webhook processed",
		billing.F("provider", in.provider),
		billing.F("webhook_id", event.MessageID),
		billing.F("event_type", event.Type),
		billing.F("outcome", outcome.String()),
	)

	WriteEvent(w, event)
}

// ReadBody reads the raw request body up to the configured limit. An absent
// body is returned as nil without error so Verify reports it; an oversized
// body is a *Error of KindPayloadTooLarge.
func (in *Ingestor) ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := internal.ReadBodyStrict(w, r, in.maxBodyBytes)
	switch {
	case err == nil:
		return body, nil
	case errors.Is(err, internal.ErrEmptyBody):
		return nil, nil
	case errors.Is(err, internal.ErrPayloadTooLarge):
		return nil, in.PayloadTooLarge()
	default:
		in.logger.Warn("failed to read webhook body",
			billing.F("provider", in.provider),
			billing.Err(err),
		)
		in.metrics.RecordWebhookError(in.provider, "missing_body")
		return nil, newError(KindMissingBody, err)
	}
}

// PayloadTooLarge records and returns the error for an oversized body. It is
// for integrations that read the body themselves.
func (in *Ingestor) PayloadTooLarge() error {
	in.metrics.RecordWebhookError(in.provider, "payload_too_large")
	return newError(KindPayloadTooLarge, ErrPayloadTooLarge)
}

// MaxBodyBytes returns the body size limit.
func (in *Ingestor) MaxBodyBytes() int64 {
	return in.maxBodyBytes
}

// WriteEvent writes the 200 acknowledgement echoing the verified body.
func WriteEvent(w http.ResponseWriter, event *Event) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(event.Raw)
}

// WriteError writes the status and message for an ingestion error. Errors that
// are not *Error are delivery failures and produce a 500.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := ErrorResponse(err)
	http.Error(w, msg, status)
}

// ErrorResponse returns the HTTP status and body text for err.
func ErrorResponse(err error) (int, string) {
	var werr *Error
	if !errors.As(err, &werr) {
		return http.StatusInternalServerError, "failed to process webhook"
	}
	return werr.Kind.StatusCode(), werr.Message()
}
