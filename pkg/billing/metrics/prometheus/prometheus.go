// Package prommetrics exports billing and webhook activity as Prometheus series.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

const subsystem = "billing"

var (
	// Webhook handling is local work (verify, claim, dispatch), so the
	// buckets start at a millisecond.
	webhookBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

	// Provider calls cross the network and are capped by a 10s client timeout.
	apiBuckets = []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	breakerStates = []billing.CircuitBreakerState{
		billing.StateClosed,
		billing.StateOpen,
		billing.StateHalfOpen,
	}
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		webhookEvents: counter("webhook_events_total",
			"Webhook deliveries by event type and outcome (success, duplicate, error).",
			"provider", "event_type", "status"),
		webhookDuration: histogram("webhook_processing_duration_seconds",
			"Time spent verifying, deduplicating and dispatching a webhook delivery.",
			webhookBuckets, "provider", "event_type"),
		webhookErrors: counter("webhook_errors_total",
			"Rejected or failed webhook deliveries by reason.",
			"provider", "error_type"),
		apiCalls: counter("api_calls_total",
			"Outbound billing provider API calls by endpoint and HTTP status.",
			"provider", "endpoint", "status"),
		apiDuration: histogram("api_call_duration_seconds",
			"Latency of outbound billing provider API calls.",
			apiBuckets, "provider", "endpoint"),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_circuit_state",
			Help:      "1 for the provider circuit breaker's current state, 0 for the others.",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// SetBreakerState publishes the provider circuit breaker state. Pass it (or a
// closure around it) as the breaker's state-change callback.
func (m *Metrics) SetBreakerState(provider string, state billing.CircuitBreakerState) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breakerState.WithLabelValues(provider, string(s)).Set(v)
	}
}

// DefaultMetrics registers on prometheus.DefaultRegisterer, which is what
// promhttp.Handler() serves.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
