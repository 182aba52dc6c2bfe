// Package postgres implements lockstore.Store on a relational table so
// deployments without a dedicated key-value store can coordinate through
// the database they already run. Claims and releases are single
// statements, so atomicity follows from the database itself.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"pkt.systems/txnd/lockstore"
)

// Schema creates the lock table. Run once per database, or let New do it
// with EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS txnd_locks (
	key        text PRIMARY KEY,
	token      text NOT NULL,
	expires_at timestamptz NOT NULL
)`

// Config controls the postgres-backed lock store.
type Config struct {
	// DSN is a pgx connection string or URL.
	DSN string
	// EnsureSchema creates the lock table on startup when set.
	EnsureSchema bool
}

// Store implements lockstore.Store on a txnd_locks table.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and optionally ensures the lock table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("lockstore/postgres: dsn required")
	}
	pool, err := pgxpool.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("lockstore/postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if cfg.EnsureSchema {
		if _, err := pool.Exec(ctx, Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("lockstore/postgres: ensure schema: %w", err)
		}
	}
	return s, nil
}

// NewWithPool wraps an existing pool, for callers sharing connections
// with the datastore.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SetIfAbsent claims key unless a non-expired row already holds it. An
// expired row is taken over in the same statement.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO txnd_locks (key, token, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET token = excluded.token, expires_at = excluded.expires_at
		WHERE txnd_locks.expires_at <= now()`,
		key, token, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lockstore/postgres: set-if-absent %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompareAndDelete removes key only while token still holds a live row.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM txnd_locks
		WHERE key = $1 AND token = $2 AND expires_at > now()`,
		key, token)
	if err != nil {
		return false, fmt.Errorf("lockstore/postgres: compare-and-delete %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the live row for key.
func (s *Store) Get(ctx context.Context, key string) (lockstore.Entry, error) {
	var entry lockstore.Entry
	err := s.pool.QueryRow(ctx, `
		SELECT key, token, expires_at FROM txnd_locks
		WHERE key = $1 AND expires_at > now()`,
		key).Scan(&entry.Key, &entry.Token, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lockstore.Entry{}, lockstore.ErrNotFound
	}
	if err != nil {
		return lockstore.Entry{}, fmt.Errorf("lockstore/postgres: get %q: %w", key, err)
	}
	return entry, nil
}

// RemoveExpired garbage-collects expired lock rows.
func (s *Store) RemoveExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM txnd_locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("lockstore/postgres: remove expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
