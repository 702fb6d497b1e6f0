// Package fiber provides Fiber middleware that verifies Standard Webhooks deliveries
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

// EventKey is the Locals key the verified event is stored under.
const EventKey = "polarkit.webhook_event"

// Config holds middleware configuration
type Config struct {
	// Ingestor verifies and optionally delivers events (required)
	Ingestor *webhook.Ingestor

	// Deliver runs the Ingestor's receipt store and event handler before the
	// next handler. Duplicate deliveries are acknowledged with 200 and do not
	// reach the next handler.
	Deliver bool

	// OnError is called when the body is too large, verification fails or
	// delivery fails. If nil, the status and message from webhook.ErrorResponse
	// are written as plain text.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that rejects unverified webhook requests.
//
// Fiber buffers the body itself (see fiber.Config.BodyLimit); bodies larger
// than the Ingestor's limit are rejected with 413 here as well.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Ingestor == nil {
		panic("polarkit/fiber: Config.Ingestor is required")
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *fiber.Ctx) error {
		// c.Body() is only valid for the lifetime of the handler
		body := append([]byte(nil), c.Body()...)
		if int64(len(body)) > cfg.Ingestor.MaxBodyBytes() {
			return cfg.OnError(c, cfg.Ingestor.PayloadTooLarge())
		}

		event, err := cfg.Ingestor.Verify(body, headers(c))
		if err != nil {
			return cfg.OnError(c, err)
		}

		if cfg.Deliver {
			outcome, err := cfg.Ingestor.Deliver(c.UserContext(), event)
			if err != nil {
				return cfg.OnError(c, err)
			}
			if outcome == webhook.OutcomeDuplicate {
				return Ack(c)
			}
		}

		c.Locals(EventKey, event)
		return c.Next()
	}
}

// Event returns the verified event stored by the middleware.
func Event(c *fiber.Ctx) (*webhook.Event, bool) {
	event, ok := c.Locals(EventKey).(*webhook.Event)
	return event, ok && event != nil
}

// Ack writes the 200 acknowledgement echoing the verified body.
func Ack(c *fiber.Ctx) error {
	event, ok := Event(c)
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusOK).Send(event.Raw)
}

// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func headers(c *fiber.Ctx) webhook.Headers {
	return webhook.Headers{
		ID:        c.Get(webhook.HeaderID),
		Timestamp: c.Get(webhook.HeaderTimestamp),
		Signature: c.Get(webhook.HeaderSignature, c.Get(webhook.HeaderStripeSignature)),
	}
}

func defaultError(c *fiber.Ctx, err error) error {
	status, msg := webhook.ErrorResponse(err)
	return c.Status(status).SendString(msg)
}
