package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

// Config holds configuration for the storefront handler
type Config struct {
	// Provider is the billing backend (required)
	Provider billing.Provider

	// SuccessURL is where checkouts return after payment.
	// If empty, the request's own origin ("{scheme}://{host}/") is used.
	SuccessURL string

	// PortalReturnURL is passed to providers whose portal links back to the app.
	// If empty, the request's own origin is used.
	PortalReturnURL string

	// Title is shown on the index page. Default: "Store".
	Title string

	// ExposeErrors includes upstream error text in 500 responses. Errors are
	// always logged; leave this off in production.
	ExposeErrors bool

	// OnError handles errors (bad request, not found, upstream failures).
	// If nil, a plain-text response with the mapped status is written.
	OnError func(w http.ResponseWriter, r *http.Request, err error, status int)

	// Logger is an optional structured logger. If nil, nothing is logged.
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	return nil
}

// NewHandler creates a new storefront handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Title == "" {
		config.Title = "Store"
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Mount registers the storefront routes and, when webhook is non-nil, the
// webhook endpoint at webhookPath.
func (h *Handler) Mount(mux *http.ServeMux, webhookPath string, webhook http.Handler) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /products", h.Products)
	mux.HandleFunc("GET /checkout", h.Checkout)
	mux.HandleFunc("GET /portal", h.Portal)
	if webhook != nil {
		if webhookPath == "" {
			webhookPath = "/polar/webhooks"
		}
		mux.Handle(webhookPath, webhook)
	}
}
