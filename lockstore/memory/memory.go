// Package memory implements lockstore.Store with a mutex-guarded map.
// Intended for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/lockstore"
)

// Store is an in-memory lockstore.Store. Expired entries are treated as
// absent and reaped lazily on access.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   clock.Clock
}

type entry struct {
	token     string
	expiresAt time.Time
}

// New returns a ready to use in-memory store on the real clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns a store whose expiry decisions follow clk.
func NewWithClock(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		entries: make(map[string]entry),
		clock:   clk,
	}
}

// SetIfAbsent claims key unless a live entry already holds it.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && cur.expiresAt.After(now) {
		return false, nil
	}
	s.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete removes key only while token still holds it.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !cur.expiresAt.After(now) {
		delete(s.entries, key)
		return false, nil
	}
	if cur.token != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Get returns the live entry for key.
func (s *Store) Get(ctx context.Context, key string) (lockstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return lockstore.Entry{}, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || !cur.expiresAt.After(now) {
		return lockstore.Entry{}, lockstore.ErrNotFound
	}
	return lockstore.Entry{Key: key, Token: cur.token, ExpiresAt: cur.expiresAt}, nil
}

// RemoveExpired reaps expired entries eagerly instead of waiting for the
// next access to their keys.
func (s *Store) RemoveExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, cur := range s.entries {
		if !cur.expiresAt.After(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close satisfies lockstore.Store; the in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
