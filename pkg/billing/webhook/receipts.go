package webhook

import (
	"context"
	"time"
)

// DefaultReceiptTTL is how long a delivered webhook-id is remembered.
// Providers retry failed deliveries for up to a few days.
const DefaultReceiptTTL = 72 * time.Hour

// ReceiptStore records accepted webhook-ids so redeliveries of the same
// message are acknowledged without being dispatched twice.
type ReceiptStore interface {
	// Claim records messageID for ttl. It returns false when the id was
	// already claimed and has not expired.
	Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error)

	// Release forgets messageID so a later redelivery is processed again.
	Release(ctx context.Context, messageID string) error
}
