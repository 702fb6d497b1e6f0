// Package postgres provides a PostgreSQL implementation of webhook.ReceiptStore.
// Claims are a single INSERT ... ON CONFLICT statement, so concurrent
// deliveries of one webhook-id are decided by the primary key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
)

var _ webhook.ReceiptStore = (*Storage)(nil)

// schema takes the quoted table name and the quoted index name.
const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	message_id TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at);
`

// schemaSQL renders the DDL for table. Both identifiers are quoted separately;
// the index name cannot be built by appending to an already quoted name.
func schemaSQL(table string) string {
	return fmt.Sprintf(schema,
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{table + "_expires_at_idx"}.Sanitize(),
	)
}

// Storage implements webhook.ReceiptStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Table holds the receipts (default: "webhook_receipts")
	Table string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the receipts table on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired receipts are deleted
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Table:           "webhook_receipts",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL receipt store
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Table == "" {
		config.Table = "webhook_receipts"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		now:         time.Now,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the receipts table if it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL(s.config.Table)); err != nil {
		return fmt.Errorf("failed to create receipts table: %w", err)
	}
	return nil
}

// Claim implements webhook.ReceiptStore. An expired receipt is overwritten
// in place; a live one makes the statement return no rows.
func (s *Storage) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	now := s.now().UTC()
	table := pgx.Identifier{s.config.Table}.Sanitize()
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (message_id, claimed_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
			SET claimed_at = EXCLUDED.claimed_at, expires_at = EXCLUDED.expires_at
			WHERE %[1]s.expires_at <= EXCLUDED.claimed_at
		RETURNING message_id`, table)

	var id string
	err := s.pool.QueryRow(ctx, query, messageID, now, now.Add(ttl)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim receipt: %w", err)
	}
	return true, nil
}

// Release implements webhook.ReceiptStore
func (s *Storage) Release(ctx context.Context, messageID string) error {
	table := pgx.Identifier{s.config.Table}.Sanitize()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, table), messageID)
	if err != nil {
		return fmt.Errorf("failed to release receipt: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of expired receipts until Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes expired receipts and returns how many were removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	table := pgx.Identifier{s.config.Table}.Sanitize()
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, table), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup receipts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
