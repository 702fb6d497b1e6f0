package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/polarkit/pkg/billing"
	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

// resource holds the fields shared by Polar order, subscription, checkout and
// customer payloads that are worth logging.
type resource struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
}

// newEventMux routes verified events. Business handling is application
// specific; the server logs billing events and keeps the catalog cache fresh.
func newEventMux(catalog *billing.CachingProvider, logger zerolog.Logger) *webhook.Mux {
	mux := webhook.NewMux()

	logEvent := func(_ context.Context, event *webhook.Event) error {
		var res resource
		if err := event.DecodeData(&res); err != nil {
			// The envelope verified and parsed; an odd data shape is not worth a retry.
			logger.Warn().Err(err).Str("event_type", event.Type).Str("webhook_id", event.MessageID).Msg("unexpected event data")
			return nil
		}
		logger.Info().
			Str("event_type", event.Type).
			Str("webhook_id", event.MessageID).
			Str("resource_id", res.ID).
			Str("status", res.Status).
			Str("customer_id", res.CustomerID).
			Str("product_id", res.ProductID).
			Msg("billing event")
		return nil
	}

	invalidate := func(ctx context.Context, event *webhook.Event) error {
		catalog.Invalidate()
		return logEvent(ctx, event)
	}

	mux.HandleFunc("order.*", logEvent)
	mux.HandleFunc("subscription.*", logEvent)
	mux.HandleFunc("checkout.*", logEvent)
	mux.HandleFunc("refund.*", logEvent)
	mux.HandleFunc("benefit_grant.*", logEvent)
	mux.HandleFunc("product.*", invalidate)
	mux.HandleFunc("customer.*", invalidate)
	mux.HandleFunc("*", func(_ context.Context, event *webhook.Event) error {
		logger.Debug().Str("event_type", event.Type).Str("webhook_id", event.MessageID).Msg("event ignored")
		return nil
	})
	return mux
}
