// Package firestore provides a Firestore implementation of webhook.ReceiptStore.
// Each receipt is a document keyed by webhook-id with an expiresAt field; a
// Firestore TTL policy on that field removes old receipts server-side.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var _ webhook.ReceiptStore = (*Storage)(nil)

// Storage implements webhook.ReceiptStore using Google Cloud Firestore
type Storage struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// ReceiptsCollection is the Firestore collection for webhook receipts
	// Default: "webhook_receipts"
	ReceiptsCollection string
}

// New creates a new Firestore receipt store
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ReceiptsCollection == "" {
		config.ReceiptsCollection = "webhook_receipts"
	}

	return &Storage{
		client:     client,
		collection: config.ReceiptsCollection,
		now:        time.Now,
	}, nil
}

// Claim implements webhook.ReceiptStore. The read and write run in one
// transaction so only one concurrent caller wins.
func (s *Storage) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	doc := s.client.Collection(s.collection).Doc(messageID)
	claimed := false

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		now := s.now().UTC()

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if expiresAt, ok := snap.Data()["expiresAt"].(time.Time); ok && now.Before(expiresAt) {
				return nil
			}
		}

		claimed = true
		return tx.Set(doc, map[string]interface{}{
			"claimedAt": now,
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim receipt: %w", err)
	}
	return claimed, nil
}

// Release implements webhook.ReceiptStore
func (s *Storage) Release(ctx context.Context, messageID string) error {
	_, err := s.client.Collection(s.collection).Doc(messageID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to release receipt: %w", err)
	}
	return nil
}
