// Package echo provides Echo middleware that verifies Standard Webhooks deliveries
package echo

import (
	"bytes"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

// EventKey is the echo.Context key the verified event is stored under.
const EventKey = "polarkit.webhook_event"

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
	// are written as plain text.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects unverified webhook requests.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Ingestor == nil {
		panic("polarkit/echo: Config.Ingestor is required")
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			body, err := cfg.Ingestor.ReadBody(c.Response(), req)
			if err != nil {
				return cfg.OnError(c, err)
			}

			event, err := cfg.Ingestor.Verify(body, webhook.HeadersFromRequest(req))
			if err != nil {
				return cfg.OnError(c, err)
			}

			if cfg.Deliver {
				outcome, err := cfg.Ingestor.Deliver(req.Context(), event)
				if err != nil {
					return cfg.OnError(c, err)
				}
				if outcome == webhook.OutcomeDuplicate {
					return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, event.Raw)
				}
			}

			req.Body = io.NopCloser(bytes.NewReader(body))
			c.Set(EventKey, event)
			return next(c)
		}
	}
}

// Event returns the verified event stored by the middleware.
func Event(c echo.Context) (*webhook.Event, bool) {
	event, ok := c.Get(EventKey).(*webhook.Event)
	return event, ok && event != nil
}

// Ack writes the 200 acknowledgement echoing the verified body.
func Ack(c echo.Context) error {
	event, ok := Event(c)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, event.Raw)
}

func defaultError(c echo.Context, err error) error {
	status, msg := webhook.ErrorResponse(err)
	return c.String(status, msg)
}
