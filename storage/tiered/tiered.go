// Package tiered provides a Hot/Cold receipt store: a shared durable tier
// (Cold) decides every first delivery across instances, a local tier (Hot)
// remembers the ids this instance currently holds in Cold so concurrent
// repeats stop without a round trip.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var _ webhook.ReceiptStore = (*Storage)(nil)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store (e.g., Memory) consulted first
	Hot webhook.ReceiptStore

	// Cold is the L2 store (e.g., Redis, Postgres, Firestore) and the source of truth
	Cold webhook.ReceiptStore

	// ErrorHandler is called when a Hot tier operation fails. Hot failures
	// never fail a Claim; Cold still decides.
	ErrorHandler func(error)
}

// Storage implements webhook.ReceiptStore over two tiers.
//   - Claim: a Hot receipt means this instance holds the Cold receipt, so the
//     delivery is a duplicate. Otherwise Cold decides, and the Hot receipt is
//     kept only when Cold was claimed.
//   - Release: Cold, then Hot, both before returning.
type Storage struct {
	hot  webhook.ReceiptStore
	cold webhook.ReceiptStore
	conf Config
}

// New creates a new tiered receipt store.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	return &Storage{
		hot:  config.Hot,
		cold: config.Cold,
		conf: config,
	}, nil
}

func (s *Storage) reportHot(err error) {
	if s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered hot store: %w", err))
	}
}

func (s *Storage) releaseHot(ctx context.Context, messageID string) {
	if err := s.hot.Release(ctx, messageID); err != nil {
		s.reportHot(err)
	}
}

// Claim implements webhook.ReceiptStore
func (s *Storage) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	hotClaimed, err := s.hot.Claim(ctx, messageID, ttl)
	if err != nil {
		s.reportHot(err)
		hotClaimed = true // fall through to Cold
	}
	if !hotClaimed {
		return false, nil
	}

	coldClaimed, err := s.cold.Claim(ctx, messageID, ttl)
	if err != nil {
		s.releaseHot(ctx, messageID)
		return false, err
	}
	if !coldClaimed {
		// Another instance holds the receipt. When it releases, the retry
		// must reach Cold again on this instance too.
		s.releaseHot(ctx, messageID)
	}
	return coldClaimed, nil
}

// Release implements webhook.ReceiptStore. A Cold failure keeps the Hot
// receipt, since the Cold receipt is still held.
func (s *Storage) Release(ctx context.Context, messageID string) error {
	if err := s.cold.Release(ctx, messageID); err != nil {
		return err
	}
	s.releaseHot(ctx, messageID)
	return nil
}
