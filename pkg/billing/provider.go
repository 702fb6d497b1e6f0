package billing

import (
	"context"
)

// Provider is the generic interface that any billing backend must implement.
// The storefront handlers only talk to this interface, so Polar can be swapped
// for Stripe without touching request handling.
type Provider interface {
	// Name returns the provider name (e.g., "polar", "stripe")
	Name() string

	// ListProducts returns the non-archived products offered for sale.
	ListProducts(ctx context.Context) ([]Product, error)

	// CreateCheckout creates a hosted checkout session for one or more products.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// FindCustomerByEmail returns the first customer registered with email.
	// Returns ErrCustomerNotFound when no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)

	// CreatePortalSession creates a customer-portal session for an existing customer.
	CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalSession, error)
}

// Product is a purchasable item as exposed by the provider.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
}

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	// ProductIDs lists the products offered in the checkout (at least one).
	ProductIDs []string

	// SuccessURL is where the customer lands after a successful payment.
	SuccessURL string

	// CustomerEmail optionally prefills the checkout form.
	CustomerEmail string

	// Metadata is attached to the checkout and echoed back in webhook events.
	Metadata map[string]string
}

// CheckoutSession is the provider-side checkout created for a CheckoutRequest.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Customer is a provider-side customer record.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// PortalRequest describes a customer-portal session to create.
type PortalRequest struct {
	CustomerID string

	// ReturnURL is used by providers whose portal links back to the app (Stripe).
	ReturnURL string
}

// PortalSession is a provider-issued customer-portal link.
type PortalSession struct {
	URL string `json:"url"`
}
