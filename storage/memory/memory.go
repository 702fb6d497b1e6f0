// Package memory provides an in-memory implementation of webhook.ReceiptStore.
// Receipts live only as long as the process; use it for single-instance
// deployments, tests and as the L1 of a tiered store.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var _ webhook.ReceiptStore = (*Storage)(nil)

// Storage implements webhook.ReceiptStore using a map of expiry times
type Storage struct {
	mu       sync.Mutex
	receipts map[string]time.Time
	now      func() time.Time

	claims int
}

// sweepEvery controls how often Claim drops expired receipts.
const sweepEvery = 256

// New creates a new in-memory receipt store
func New() *Storage {
	return &Storage{
		receipts: make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces time.Now. It is meant for tests.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Claim implements webhook.ReceiptStore
func (s *Storage) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.claims++
	if s.claims%sweepEvery == 0 {
		s.sweep(now)
	}

	if expiresAt, ok := s.receipts[messageID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.receipts[messageID] = now.Add(ttl)
	return true, nil
}

// Release implements webhook.ReceiptStore
func (s *Storage) Release(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receipts, messageID)
	return nil
}

// Seen reports whether messageID holds an unexpired receipt
func (s *Storage) Seen(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.receipts[messageID]
	return ok && s.now().Before(expiresAt)
}

// Len returns the number of stored receipts, including expired ones not yet swept
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// Cleanup removes expired receipts
func (s *Storage) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
}

func (s *Storage) sweep(now time.Time) {
	for id, expiresAt := range s.receipts {
		if !now.Before(expiresAt) {
			delete(s.receipts, id)
		}
	}
}
