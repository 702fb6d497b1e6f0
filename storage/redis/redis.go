// Package redis provides a Redis implementation of webhook.ReceiptStore.
// Claims use SET NX with an expiry, so concurrent deliveries of the same
// webhook-id across instances are serialized by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var _ webhook.ReceiptStore = (*Storage)(nil)

// Storage implements webhook.ReceiptStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "polarkit:receipt:")
	KeyPrefix string

	// DefaultTTL is used when Claim is called with a non-positive ttl (default: 72h)
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "polarkit:receipt:",
		DefaultTTL: webhook.DefaultReceiptTTL,
	}
}

// New creates a new Redis receipt store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "polarkit:receipt:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = webhook.DefaultReceiptTTL
	}

	return &Storage{
		client: client,
		config: config,
		now:    time.Now,
	}, nil
}

// NewFromURL parses a redis:// URL and creates a store on a new client.
func NewFromURL(url string, config Config) (*Storage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), config)
}

// Claim implements webhook.ReceiptStore
func (s *Storage) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	claimedAt := strconv.FormatInt(s.now().Unix(), 10)
	ok, err := s.client.SetNX(ctx, s.receiptKey(messageID), claimedAt, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim receipt: %w", err)
	}
	return ok, nil
}

// Release implements webhook.ReceiptStore
func (s *Storage) Release(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.receiptKey(messageID)).Err(); err != nil {
		return fmt.Errorf("failed to release receipt: %w", err)
	}
	return nil
}

// ClaimedAt returns when messageID was claimed, or false if it holds no receipt.
func (s *Storage) ClaimedAt(ctx context.Context, messageID string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.receiptKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get receipt: %w", err)
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt receipt %q: %w", messageID, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

func (s *Storage) receiptKey(messageID string) string {
	return s.config.KeyPrefix + messageID
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
