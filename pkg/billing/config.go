package billing

import (
	"net/http"
	"strings"
)

// Mode selects the provider environment.
type Mode string

const (
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// ParseMode parses a mode string. Empty input yields ModeProduction.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeProduction:
		return ModeProduction, nil
	case ModeSandbox:
		return ModeSandbox, nil
	default:
		return "", ErrInvalidMode
	}
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// AccessToken authenticates outbound API calls (Polar organization
	// access token, Stripe secret key).
	AccessToken string

	// Mode selects the sandbox or production environment. Defaults to production.
	Mode Mode

	// ServerURL overrides the base URL derived from Mode.
	// Mostly useful for tests and self-hosted gateways.
	ServerURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, nothing is logged.
	Logger Logger
}
