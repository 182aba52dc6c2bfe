// Package lockstore defines the narrow contract the distributed lock
// manager needs from a shared key-value store: an atomic set-if-absent
// with expiry and an atomic token-checked delete. Implementations back
// the contract with an in-memory map (tests, single-node development)
// or a relational table (production deployments that already run one).
package lockstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no entry exists for the requested key.
var ErrNotFound = errors.New("lockstore: key not found")

// Entry describes the current holder of a key.
type Entry struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Store is the minimal shared-store surface mutual exclusion is built on.
// Both operations must be atomic with respect to concurrent callers.
type Store interface {
	// SetIfAbsent claims key for token with the supplied ttl. It returns
	// true when the claim succeeded, false when a non-expired entry
	// already holds the key.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only when it is still held by token.
	// It returns false when the key is absent, expired, or held by a
	// different token; a stale holder can never evict its successor.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// Get returns the live entry for key, or ErrNotFound when the key is
	// absent or its entry has expired.
	Get(ctx context.Context, key string) (Entry, error)

	Close() error
}

// Sweeper is implemented by stores whose expired entries occupy real
// resources (rows, files) and benefit from periodic garbage collection.
// Stores that self-expire entries need not implement it.
type Sweeper interface {
	// RemoveExpired deletes expired entries and returns how many were
	// removed.
	RemoveExpired(ctx context.Context) (int64, error)
}
