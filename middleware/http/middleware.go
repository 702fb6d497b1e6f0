// Package http provides net/http middleware that verifies Standard Webhooks
// deliveries before they reach an application handler.
package http

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

type contextKey struct{}

// Config holds middleware configuration
type Config struct {
	// Ingestor verifies and optionally delivers events (required)
	Ingestor *webhook.Ingestor

	// Deliver runs the Ingestor's receipt store and event handler before the
	// next handler. Duplicate deliveries are acknowledged with 200 and do not
	// reach the next handler.
	Deliver bool

	// OnError is called when the body cannot be read, verification fails or
	// delivery fails. If nil, the status and message from webhook.ErrorResponse
	// are written.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that rejects unverified webhook
// requests. The verified event is available to the next handler through
// EventFromContext, and the raw body can be read again from r.Body.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ingestor == nil {
		panic("polarkit/http: Config.Ingestor is required")
	}
	if config.OnError == nil {
		config.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			webhook.WriteError(w, err)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := config.Ingestor.ReadBody(w, r)
			if err != nil {
				config.OnError(w, r, err)
				return
			}

			event, err := config.Ingestor.Verify(body, webhook.HeadersFromRequest(r))
			if err != nil {
				config.OnError(w, r, err)
				return
			}

			if config.Deliver {
				outcome, err := config.Ingestor.Deliver(r.Context(), event)
				if err != nil {
					config.OnError(w, r, err)
					return
				}
				if outcome == webhook.OutcomeDuplicate {
					webhook.WriteEvent(w, event)
					return
				}
			}

			// Restore body for next handler
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), event)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// NewContext returns a copy of ctx carrying event.
func NewContext(ctx context.Context, event *webhook.Event) context.Context {
	return context.WithValue(ctx, contextKey{}, event)
}

// EventFromContext returns the verified event stored by the middleware.
func EventFromContext(ctx context.Context) (*webhook.Event, bool) {
	event, ok := ctx.Value(contextKey{}).(*webhook.Event)
	return event, ok && event != nil
}
