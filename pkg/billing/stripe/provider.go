// Package stripe implements billing.Provider on top of stripe-go, so the
// storefront can run against a Stripe account instead of Polar.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
)

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	client  *stripe.Client
	metrics billing.Metrics
	logger  billing.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider. config.AccessToken is the
// Stripe secret key; config.ServerURL points the client at another API host.
func NewProvider(config billing.Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.AccessToken)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe secret key is required: %w", billing.ErrProviderNotConfigured)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if url := strings.TrimRight(strings.TrimSpace(config.ServerURL), "/"); url != "" {
		backendConfig.URL = stripe.String(url)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Provider{
		client:  stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// ListProducts returns active products with their default price expanded.
func (p *Provider) ListProducts(ctx context.Context) ([]billing.Product, error) {
	const endpoint = "/products"
	startTime := time.Now()

	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	params.AddExpand("data.default_price")

	var products []billing.Product
	for prod, err := range p.client.V1Products.List(ctx, params) {
		if err != nil {
			return nil, p.apiError(endpoint, startTime, err)
		}
		products = append(products, toProduct(prod))
	}

	p.recordSuccess(endpoint, startTime)
	return products, nil
}

// CreateCheckout creates a Checkout Session with each product's default
// price. The session is a subscription when any price recurs.
func (p *Provider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	const endpoint = "/checkout/sessions"
	if len(req.ProductIDs) == 0 {
		return nil, errors.New("at least one product id is required")
	}
	startTime := time.Now()

	mode := stripe.CheckoutSessionModePayment
	lineItems := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		params := &stripe.ProductRetrieveParams{}
		params.AddExpand("default_price")
		prod, err := p.client.V1Products.Retrieve(ctx, id, params)
		if err != nil {
			return nil, p.apiError("/products/{id}", startTime, err)
		}
		if prod.DefaultPrice == nil || prod.DefaultPrice.ID == "" {
			return nil, fmt.Errorf("stripe product %s has no default price", id)
		}
		if prod.DefaultPrice.Type == stripe.PriceTypeRecurring {
			mode = stripe.CheckoutSessionModeSubscription
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionCreateLineItemParams{
			Price:    stripe.String(prod.DefaultPrice.ID),
			Quantity: stripe.Int64(1),
		})
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(mode)),
		LineItems:  lineItems,
		SuccessURL: stripe.String(req.SuccessURL),
		Metadata:   req.Metadata,
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, p.apiError(endpoint, startTime, err)
	}
	p.recordSuccess(endpoint, startTime)

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// FindCustomerByEmail returns the first customer with email.
func (p *Provider) FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	const endpoint = "/customers"
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	startTime := time.Now()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)

	for cust, err := range p.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, p.apiError(endpoint, startTime, err)
		}
		p.recordSuccess(endpoint, startTime)
		return &billing.Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name}, nil
	}

	p.recordSuccess(endpoint, startTime)
	return nil, billing.ErrCustomerNotFound
}

// CreatePortalSession creates a Billing Portal session for the customer.
func (p *Provider) CreatePortalSession(ctx context.Context, req billing.PortalRequest) (*billing.PortalSession, error) {
	const endpoint = "/billing_portal/sessions"
	if req.CustomerID == "" {
		return nil, errors.New("customer id is required")
	}
	startTime := time.Now()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(req.CustomerID),
	}
	if req.ReturnURL != "" {
		params.ReturnURL = stripe.String(req.ReturnURL)
	}

	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return nil, p.apiError(endpoint, startTime, err)
	}
	p.recordSuccess(endpoint, startTime)

	return &billing.PortalSession{URL: session.URL}, nil
}

func toProduct(prod *stripe.Product) billing.Product {
	out := billing.Product{
		ID:          prod.ID,
		Name:        prod.Name,
		Description: prod.Description,
	}
	if prod.DefaultPrice != nil {
		out.IsRecurring = prod.DefaultPrice.Type == stripe.PriceTypeRecurring
	}
	return out
}

func (p *Provider) recordSuccess(endpoint string, startTime time.Time) {
	p.metrics.RecordAPICall(providerName, endpoint, "200")
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}

// apiError records the failed call and converts Stripe API errors into
// *billing.APIError. Transport errors are wrapped as-is.
func (p *Provider) apiError(endpoint string, startTime time.Time, err error) error {
	status := "error"
	defer func() {
		p.metrics.RecordAPICall(providerName, endpoint, status)
		p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	}()

	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode != 0 {
		status = fmt.Sprint(serr.HTTPStatusCode)
		p.logger.Warn("stripe api error",
			billing.F("endpoint", endpoint),
			billing.F("status", serr.HTTPStatusCode),
			billing.F("code", string(serr.Code)),
		)
		return &billing.APIError{
			Provider:   providerName,
			Endpoint:   endpoint,
			StatusCode: serr.HTTPStatusCode,
			Body:       serr.Msg,
		}
	}
	return fmt.Errorf("stripe %s: %w", endpoint, err)
}
