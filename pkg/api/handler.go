package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaimyh/polarkit/pkg/billing"
)

var (
	errMissingProducts = errors.New("Missing products parameter")
	errMissingEmail    = errors.New("Missing email parameter")
	errNoCustomer      = errors.New("Customer not found")
)

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
  <head>
    <meta charset="UTF-8" />
    <title>{{.Title}}</title>
  </head>
  <body>
    <h1>{{.Title}}</h1>
    <ul>
    {{- range .Products}}
      <li><a href="/checkout?products={{.ID}}" target="_blank">Buy {{.Name}}</a>{{if .IsRecurring}} (subscription){{end}}</li>
    {{- else}}
      <li>No products available.</li>
    {{- end}}
    </ul>
    <form action="/portal" method="get">
      <input required type="email" name="email" placeholder="Email" />
      <button type="submit">Open Customer Portal</button>
    </form>
  </body>
</html>
`))

// Handler serves the storefront: product list, checkout and portal redirects
type Handler struct {
	config Config
}

// Index renders the product list with a buy link per product and a portal form.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	products, err := h.config.Provider.ListProducts(r.Context())
	if err != nil {
		h.upstreamError(w, r, "Error fetching products", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := indexTemplate.Execute(w, indexPage{Title: h.config.Title, Products: products}); err != nil {
		h.config.Logger.Error("failed to render index", billing.Err(err))
	}
}

// Products returns the product list as JSON.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	products, err := h.config.Provider.ListProducts(r.Context())
	if err != nil {
		h.upstreamError(w, r, "Error fetching products", err)
		return
	}
	if products == nil {
		products = []billing.Product{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ProductsResponse{
		Provider: h.config.Provider.Name(),
		Products: products,
	})
}

// Checkout creates a checkout for ?products=a,b (or repeated params) and
// redirects to it.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	productIDs := ParseProductIDs(r.URL.Query())
	if len(productIDs) == 0 {
		h.handleError(w, r, errMissingProducts, http.StatusBadRequest)
		return
	}

	successURL := h.config.SuccessURL
	if successURL == "" {
		successURL = requestOrigin(r)
	}

	session, err := h.config.Provider.CreateCheckout(r.Context(), billing.CheckoutRequest{
		ProductIDs:    productIDs,
		SuccessURL:    successURL,
		CustomerEmail: strings.TrimSpace(r.URL.Query().Get("customer_email")),
	})
	if err != nil {
		h.upstreamError(w, r, "Error creating checkout", err)
		return
	}

	http.Redirect(w, r, session.URL, http.StatusFound)
}

// Portal looks up the customer by ?email= and redirects to a portal session.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		h.handleError(w, r, errMissingEmail, http.StatusBadRequest)
		return
	}

	customer, err := h.config.Provider.FindCustomerByEmail(r.Context(), email)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		h.handleError(w, r, errNoCustomer, http.StatusNotFound)
		return
	}
	if err != nil {
		h.upstreamError(w, r, "Error fetching customer", err)
		return
	}

	returnURL := h.config.PortalReturnURL
	if returnURL == "" {
		returnURL = requestOrigin(r)
	}

	session, err := h.config.Provider.CreatePortalSession(r.Context(), billing.PortalRequest{
		CustomerID: customer.ID,
		ReturnURL:  returnURL,
	})
	if err != nil {
		h.upstreamError(w, r, "Error creating portal session", err)
		return
	}

	http.Redirect(w, r, session.URL, http.StatusFound)
}

// ParseProductIDs collects product ids from every "products" parameter,
// splitting comma-separated values and dropping blanks and duplicates.
func ParseProductIDs(q url.Values) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, raw := range q["products"] {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// requestOrigin returns "{scheme}://{host}/" for r, honouring X-Forwarded-Proto.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s/", scheme, r.Host)
}

// upstreamError logs a provider failure and answers 500.
func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.config.Logger.Error(msg,
		billing.F("provider", h.config.Provider.Name()),
		billing.F("path", r.URL.Path),
		billing.Err(err),
	)
	if h.config.ExposeErrors {
		h.handleError(w, r, fmt.Errorf("%s: %w", msg, err), http.StatusInternalServerError)
		return
	}
	h.handleError(w, r, errors.New(msg), http.StatusInternalServerError)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	http.Error(w, err.Error(), statusCode)
}
