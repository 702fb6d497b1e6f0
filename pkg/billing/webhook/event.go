package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Polar event types. Handlers may register any string; these are the ones
// the provider currently emits.
const (
	EventCheckoutCreated        = "checkout.created"
	EventCheckoutUpdated        = "checkout.updated"
	EventOrderCreated           = "order.created"
	EventOrderPaid              = "order.paid"
	EventOrderUpdated           = "order.updated"
	EventOrderRefunded          = "order.refunded"
	EventSubscriptionCreated    = "subscription.created"
	EventSubscriptionUpdated    = "subscription.updated"
	EventSubscriptionActive     = "subscription.active"
	EventSubscriptionCanceled   = "subscription.canceled"
	EventSubscriptionUncanceled = "subscription.uncanceled"
	EventSubscriptionRevoked    = "subscription.revoked"
	EventCustomerCreated        = "customer.created"
	EventCustomerUpdated        = "customer.updated"
	EventCustomerDeleted        = "customer.deleted"
	EventCustomerStateChanged   = "customer.state_changed"
	EventProductCreated         = "product.created"
	EventProductUpdated         = "product.updated"
	EventBenefitGrantCreated    = "benefit_grant.created"
	EventBenefitGrantRevoked    = "benefit_grant.revoked"
	EventRefundCreated          = "refund.created"
	EventRefundUpdated          = "refund.updated"
)

// Event is a verified webhook payload.
type Event struct {
	// ID is the provider's event id when the payload carries one (Stripe evt_ ids).
	ID string `json:"id,omitempty"`

	// Type is the event discriminator, e.g. "order.created".
	Type string `json:"type"`

	// Timestamp is the provider-side event time when the payload carries one.
	Timestamp time.Time `json:"timestamp"`

	// Data is the event body, left undecoded.
	Data json.RawMessage `json:"data,omitempty"`

	// MessageID identifies the delivery for duplicate suppression: the
	// webhook-id it was signed with, or ID when there is none.
	MessageID string `json:"-"`

	// Raw is a copy of the exact bytes that were verified.
	Raw json.RawMessage `json:"-"`
}

type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Created   json.RawMessage `json:"created"`
	Data      json.RawMessage `json:"data"`
}

// ParseEvent decodes a verified body into an Event. It must only be called
// after the signature over body has been checked.
func ParseEvent(body []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON values in payload", ErrInvalidPayload)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}

	raw := make([]byte, len(body))
	copy(raw, body)

	ts := parseEventTimestamp(env.Timestamp)
	if ts.IsZero() {
		ts = parseEventTimestamp(env.Created)
	}

	return &Event{
		ID:        env.ID,
		Type:      env.Type,
		Timestamp: ts,
		Data:      env.Data,
		Raw:       raw,
	}, nil
}

// parseEventTimestamp accepts RFC3339 strings (with or without zone) and unix
// seconds. Anything else yields the zero time.
func parseEventTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

// Fields decodes the full payload into a generic map. Numbers are kept as
// json.Number so nothing is lost to float conversion.
func (e *Event) Fields() (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(e.Raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode event fields: %w", err)
	}
	return fields, nil
}

// DecodeData decodes the event's data object into v.
func (e *Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}
