// Package polar implements billing.Provider on the Polar Go SDK.
package polar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	polargo "github.com/polarsource/polar-go"
	"github.com/polarsource/polar-go/models/components"
	"github.com/polarsource/polar-go/models/operations"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

const (
	providerName       = "polar"
	productionServer   = "https://api.polar.sh"
	sandboxServer      = "https://sandbox-api.polar.sh"
	defaultHTTPTimeout = 10 * time.Second
	productsPageLimit  = 100

	// maxProductPages bounds pagination if the API misreports max_page.
	maxProductPages = 50
)

// The SDK services used by Provider, narrowed so tests can stand in for them.
type (
	productsAPI interface {
		List(ctx context.Context, request operations.ProductsListRequest, opts ...operations.Option) (*operations.ProductsListResponse, error)
	}
	checkoutsAPI interface {
		Create(ctx context.Context, request components.CheckoutCreate, opts ...operations.Option) (*operations.CheckoutsCreateResponse, error)
	}
	customersAPI interface {
		List(ctx context.Context, request operations.CustomersListRequest, opts ...operations.Option) (*operations.CustomersListResponse, error)
	}
	customerSessionsAPI interface {
		Create(ctx context.Context, request operations.CustomerSessionsCreateCustomerSessionCreate, opts ...operations.Option) (*operations.CustomerSessionsCreateResponse, error)
	}
)

// Provider implements the billing.Provider interface for Polar
type Provider struct {
	serverURL string

	products         productsAPI
	checkouts        checkoutsAPI
	customers        customersAPI
	customerSessions customerSessionsAPI

	metrics billing.Metrics
	logger  billing.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Polar billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	token := strings.TrimSpace(config.AccessToken)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, fmt.Errorf("polar access token is required: %w", billing.ErrProviderNotConfigured)
	}

	serverURL, err := BaseURL(config.Mode, config.ServerURL)
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	sdk := polargo.New(
		polargo.WithSecurity(token),
		polargo.WithServerURL(serverURL),
		polargo.WithClient(&statusRecorder{next: httpClient}),
	)

	return &Provider{
		serverURL:        serverURL,
		products:         sdk.Products,
		checkouts:        sdk.Checkouts,
		customers:        sdk.Customers,
		customerSessions: sdk.CustomerSessions,
		metrics:          metrics,
		logger:           logger,
	}, nil
}

// BaseURL returns the API server for mode, or serverURL when it is set. The
// SDK adds the /v1 path itself, so a trailing /v1 on serverURL is dropped.
func BaseURL(mode billing.Mode, serverURL string) (string, error) {
	if serverURL = strings.TrimSpace(serverURL); serverURL != "" {
		if _, err := url.ParseRequestURI(serverURL); err != nil {
			return "", fmt.Errorf("invalid polar server url %q: %w", serverURL, err)
		}
		serverURL = strings.TrimRight(serverURL, "/")
		return strings.TrimSuffix(serverURL, "/v1"), nil
	}
	switch mode {
	case "", billing.ModeProduction:
		return productionServer, nil
	case billing.ModeSandbox:
		return sandboxServer, nil
	default:
		return "", fmt.Errorf("%w: %q", billing.ErrInvalidMode, mode)
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// ListProducts returns every non-archived product, following pagination.
func (p *Provider) ListProducts(ctx context.Context) ([]billing.Product, error) {
	var products []billing.Product
	for page := int64(1); page <= maxProductPages; page++ {
		var res *operations.ProductsListResponse
		err := p.call(ctx, "/products", func(ctx context.Context) (err error) {
			res, err = p.products.List(ctx, operations.ProductsListRequest{
				IsArchived: polargo.Bool(false),
				Page:       polargo.Int64(page),
				Limit:      polargo.Int64(productsPageLimit),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if res == nil || res.ListResourceProduct == nil {
			break
		}
		list := res.ListResourceProduct
		for _, item := range list.Items {
			products = append(products, toProduct(item))
		}
		if page >= list.Pagination.MaxPage || len(list.Items) == 0 {
			break
		}
	}
	return products, nil
}

func toProduct(p components.Product) billing.Product {
	var description string
	if p.Description != nil {
		description = *p.Description
	}
	return billing.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: description,
		IsRecurring: p.IsRecurring,
	}
}

// CreateCheckout creates a hosted checkout session for the given products.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if len(req.ProductIDs) == 0 {
		return nil, errors.New("at least one product id is required")
	}

	body := components.CheckoutCreate{Products: req.ProductIDs}
	if req.SuccessURL != "" {
		body.SuccessURL = polargo.String(req.SuccessURL)
	}
	if req.CustomerEmail != "" {
		body.CustomerEmail = polargo.String(req.CustomerEmail)
	}
	if len(req.Metadata) > 0 {
		body.Metadata = make(map[string]components.CheckoutCreateMetadata, len(req.Metadata))
		for k, v := range req.Metadata {
			body.Metadata[k] = components.CreateCheckoutCreateMetadataStr(v)
		}
	}

	var res *operations.CheckoutsCreateResponse
	err := p.call(ctx, "/checkouts", func(ctx context.Context) (err error) {
		res, err = p.checkouts.Create(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Checkout == nil || res.Checkout.URL == "" {
		return nil, errors.New("polar checkout returned no url")
	}

	p.logger.Debug("checkout created",
		billing.F("checkout_id", res.Checkout.ID),
		billing.F("products", strings.Join(req.ProductIDs, ",")),
	)
	return &billing.CheckoutSession{ID: res.Checkout.ID, URL: res.Checkout.URL}, nil
}

// FindCustomerByEmail returns the first customer with email, or
// billing.ErrCustomerNotFound.
func (p *Provider) FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}

	var res *operations.CustomersListResponse
	err := p.call(ctx, "/customers", func(ctx context.Context) (err error) {
		res, err = p.customers.List(ctx, operations.CustomersListRequest{Email: polargo.String(email)})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.ListResourceCustomer == nil || len(res.ListResourceCustomer.Items) == 0 {
		return nil, billing.ErrCustomerNotFound
	}

	c := res.ListResourceCustomer.Items[0]
	customer := &billing.Customer{ID: c.ID, Email: c.Email}
	if c.Name != nil {
		customer.Name = *c.Name
	}
	return customer, nil
}

// CreatePortalSession creates a customer session and returns its portal URL.
// Polar portals link back through the organization settings, so
// req.ReturnURL is not sent.
func (p *Provider) CreatePortalSession(ctx context.Context, req billing.PortalRequest) (*billing.PortalSession, error) {
	if req.CustomerID == "" {
		return nil, errors.New("customer id is required")
	}

	body := operations.CreateCustomerSessionsCreateCustomerSessionCreateCustomerSessionCustomerIDCreate(
		components.CustomerSessionCustomerIDCreate{CustomerID: req.CustomerID},
	)
	var res *operations.CustomerSessionsCreateResponse
	err := p.call(ctx, "/customer-sessions", func(ctx context.Context) (err error) {
		res, err = p.customerSessions.Create(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.CustomerSession == nil || res.CustomerSession.CustomerPortalURL == "" {
		return nil, errors.New("polar customer session returned no portal url")
	}
	return &billing.PortalSession{URL: res.CustomerSession.CustomerPortalURL}, nil
}
