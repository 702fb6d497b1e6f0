// Package gin provides Gin middleware that verifies Standard Webhooks deliveries
package gin

import (
	"bytes"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

// EventKey is the gin.Context key the verified event is stored under.
const EventKey = "polarkit.webhook_event"

// Config holds middleware configuration
type Config struct {
	// Ingestor verifies and optionally delivers events (required)
	Ingestor *webhook.Ingestor

	// Deliver runs the Ingestor's receipt store and event handler before the
	// next handler. Duplicate deliveries are acknowledged with 200 and abort
	// the chain.
	Deliver bool

	// OnError is called when the body cannot be read, verification fails or
	// delivery fails. It must write a response; the chain is aborted afterwards.
	// If nil, the status and message from webhook.ErrorResponse are written.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that rejects unverified webhook requests.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ingestor == nil {
		panic("polarkit/gin: Config.Ingestor is required")
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *gongin.Context) {
		body, err := cfg.Ingestor.ReadBody(c.Writer, c.Request)
		if err != nil {
			cfg.OnError(c, err)
			c.Abort()
			return
		}

		event, err := cfg.Ingestor.Verify(body, webhook.HeadersFromRequest(c.Request))
		if err != nil {
			cfg.OnError(c, err)
			c.Abort()
			return
		}

		if cfg.Deliver {
			outcome, err := cfg.Ingestor.Deliver(c.Request.Context(), event)
			if err != nil {
				cfg.OnError(c, err)
				c.Abort()
				return
			}
			if outcome == webhook.OutcomeDuplicate {
				c.Data(http.StatusOK, "application/json", event.Raw)
				c.Abort()
				return
			}
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(EventKey, event)
		c.Next()
	}
}

// Event returns the verified event stored by the middleware.
func Event(c *gongin.Context) (*webhook.Event, bool) {
	v, ok := c.Get(EventKey)
	if !ok {
		return nil, false
	}
	event, ok := v.(*webhook.Event)
	return event, ok
}

// Ack writes the 200 acknowledgement echoing the verified body.
func Ack(c *gongin.Context) {
	event, ok := Event(c)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", event.Raw)
}

func defaultError(c *gongin.Context, err error) {
	status, msg := webhook.ErrorResponse(err)
	c.String(status, msg)
}
