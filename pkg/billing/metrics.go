package billing

import "time"

// Metrics receives counters and timings from the webhook ingestor and the
// provider clients. Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordWebhookEvent counts a dispatched delivery. status is one of
	// "success", "duplicate" or "error".
	RecordWebhookEvent(provider, eventType, status string)

	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError counts a rejected or failed delivery, e.g.
	// "missing_body", "auth_failed", "invalid_payload", "receipt_error".
	RecordWebhookError(provider, errorType string)

	// RecordAPICall counts an outbound call. status is the HTTP status code
	// ("201", "404") or "error" when no response was received.
	RecordAPICall(provider, endpoint, status string)

	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (*NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (*NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (*NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (*NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (*NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
