// Package config loads server configuration from the environment.
//
// A .env file in the working directory is honoured; real environment
// variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

const (
	defaultPort        = 8080
	defaultWebhookPath = "/polar/webhooks"
)

// Receipt store backends.
const (
	StoreNone      = "none"
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
	StoreTiered    = "tiered"
)

var (
	// ErrMissingWebhookSecret is returned when POLAR_WEBHOOK_SECRET is unset
	ErrMissingWebhookSecret = errors.New("POLAR_WEBHOOK_SECRET is required")

	// ErrMissingAccessToken is returned when the selected provider has no credentials
	ErrMissingAccessToken = errors.New("provider access token is required")

	// ErrInvalidTolerance is returned when POLAR_WEBHOOK_TOLERANCE is not positive
	ErrInvalidTolerance = errors.New("webhook tolerance must be positive")

	// ErrUnknownProvider is returned for a BILLING_PROVIDER other than polar or stripe
	ErrUnknownProvider = errors.New("unknown billing provider")

	// ErrUnknownStore is returned for an unsupported RECEIPT_STORE
	ErrUnknownStore = errors.New("unknown receipt store")

	// ErrMissingStoreURL is returned when the selected receipt store has no connection settings
	ErrMissingStoreURL = errors.New("receipt store connection setting is required")
)

// Config is the resolved server configuration.
type Config struct {
	Provider         string
	PolarAccessToken string
	StripeSecretKey  string
	WebhookSecret    string
	SecretEncoded    bool
	Mode             billing.Mode
	ServerURL        string
	SuccessURL       string
	PortalReturnURL  string
	WebhookPath      string
	WebhookTolerance time.Duration
	Port             int
	ReceiptStore     string
	ReceiptTTL       time.Duration
	RedisURL         string
	DatabaseURL      string
	FirestoreProject string
	WebhookRateLimit int
	TrustedProxies   []string
	MetricsEnabled   bool
	ExposeErrors     bool
	CacheTTL         time.Duration
	BreakerThreshold int
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration
}

// AccessToken returns the credential for the selected provider.
func (c *Config) AccessToken() string {
	if c.Provider == "stripe" {
		return c.StripeSecretKey
	}
	return c.PolarAccessToken
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BILLING_PROVIDER", "polar")
	v.SetDefault("POLAR_MODE", string(billing.ModeProduction))
	v.SetDefault("POLAR_WEBHOOK_PATH", defaultWebhookPath)
	v.SetDefault("POLAR_WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("RECEIPT_STORE", StoreMemory)
	v.SetDefault("RECEIPT_TTL", "72h")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 100)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CATALOG_CACHE_TTL", "1m")
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	return v
}

// FromViper resolves and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	mode, err := billing.ParseMode(v.GetString("POLAR_MODE"))
	if err != nil {
		return nil, fmt.Errorf("POLAR_MODE: %w", err)
	}

	cfg := &Config{
		Provider:         strings.ToLower(strings.TrimSpace(v.GetString("BILLING_PROVIDER"))),
		PolarAccessToken: strings.TrimSpace(v.GetString("POLAR_ACCESS_TOKEN")),
		StripeSecretKey:  strings.TrimSpace(v.GetString("STRIPE_SECRET_KEY")),
		WebhookSecret:    strings.TrimSpace(v.GetString("POLAR_WEBHOOK_SECRET")),
		SecretEncoded:    v.GetBool("POLAR_WEBHOOK_SECRET_ENCODED"),
		Mode:             mode,
		ServerURL:        strings.TrimSpace(v.GetString("POLAR_SERVER_URL")),
		SuccessURL:       strings.TrimSpace(v.GetString("POLAR_SUCCESS_URL")),
		PortalReturnURL:  strings.TrimSpace(v.GetString("POLAR_PORTAL_RETURN_URL")),
		WebhookPath:      strings.TrimSpace(v.GetString("POLAR_WEBHOOK_PATH")),
		Port:             parsePort(v.GetString("PORT")),
		ReceiptStore:     strings.ToLower(strings.TrimSpace(v.GetString("RECEIPT_STORE"))),
		RedisURL:         strings.TrimSpace(v.GetString("REDIS_URL")),
		DatabaseURL:      strings.TrimSpace(v.GetString("DATABASE_URL")),
		FirestoreProject: strings.TrimSpace(v.GetString("FIRESTORE_PROJECT_ID")),
		WebhookRateLimit: v.GetInt("WEBHOOK_RATE_LIMIT"),
		TrustedProxies:   splitList(v.GetString("TRUSTED_PROXIES")),
		MetricsEnabled:   v.GetBool("METRICS_ENABLED"),
		BreakerThreshold: v.GetInt("BREAKER_THRESHOLD"),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString("LOG_FORMAT"))),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLAR_WEBHOOK_TOLERANCE", &cfg.WebhookTolerance},
		{"RECEIPT_TTL", &cfg.ReceiptTTL},
		{"CATALOG_CACHE_TTL", &cfg.CacheTTL},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	// A Stripe endpoint secret may be given under its own name.
	if secret := strings.TrimSpace(v.GetString("STRIPE_WEBHOOK_SECRET")); cfg.Provider == "stripe" && secret != "" {
		cfg.WebhookSecret = secret
	}

	// Error details are shown in sandbox unless explicitly configured.
	cfg.ExposeErrors = mode == billing.ModeSandbox
	if v.IsSet("EXPOSE_ERRORS") {
		cfg.ExposeErrors = v.GetBool("EXPOSE_ERRORS")
	}

	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		cfg.WebhookPath = "/" + cfg.WebhookPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("%w: POLAR_WEBHOOK_TOLERANCE=%s", ErrInvalidTolerance, c.WebhookTolerance)
	}

	switch c.Provider {
	case "polar":
		if c.PolarAccessToken == "" {
			return fmt.Errorf("%w: POLAR_ACCESS_TOKEN", ErrMissingAccessToken)
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("%w: STRIPE_SECRET_KEY", ErrMissingAccessToken)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}

	switch c.ReceiptStore {
	case StoreNone, StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: %s requires REDIS_URL", ErrMissingStoreURL, c.ReceiptStore)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: %s requires DATABASE_URL", ErrMissingStoreURL, c.ReceiptStore)
		}
	case StoreFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("%w: %s requires FIRESTORE_PROJECT_ID", ErrMissingStoreURL, c.ReceiptStore)
		}
	case StoreTiered:
		if c.RedisURL == "" && c.DatabaseURL == "" && c.FirestoreProject == "" {
			return fmt.Errorf("%w: %s requires a durable store URL", ErrMissingStoreURL, c.ReceiptStore)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.ReceiptStore)
	}
	return nil
}

// splitList splits a comma-separated setting, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePort falls back to the default for empty or non-numeric values.
func parsePort(s string) int {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return defaultPort
	}
	return port
}
