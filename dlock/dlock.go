// Package dlock provides cross-instance mutual exclusion on top of a
// lockstore.Store. Locks are TTL-bounded leases proven by a fencing
// token: release only succeeds while the token still owns the key, so a
// stale holder can never evict a successor that took over after expiry.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/uuidv7"
	"pkt.systems/txnd/lockstore"
)

// Defaults applied by Options normalization.
const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultMaxRetries = 10
)

// TimeoutError reports that every acquisition attempt found the key held.
type TimeoutError struct {
	Key      string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dlock: key %q still held after %d attempts", e.Key, e.Attempts)
}

// LostError reports that a held lease expired and could not be regained.
type LostError struct {
	Key string
}

func (e *LostError) Error() string {
	return fmt.Sprintf("dlock: lease on %q expired and could not be re-acquired", e.Key)
}

// Options configure one acquisition.
type Options struct {
	// Key names the logical resource, e.g. "order:42".
	Key string
	// TTL bounds the lease; the key self-frees after TTL if never released.
	TTL time.Duration
	// RetryDelay is the wait between attempts while the key is held.
	RetryDelay time.Duration
	// MaxRetries is the total number of attempts before giving up.
	MaxRetries int
	// Jitter randomizes RetryDelay by the given fraction (0.2 = ±20%).
	Jitter float64
}

func (o Options) normalized() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Jitter < 0 || o.Jitter > 1 {
		o.Jitter = 0
	}
	return o
}

// Lock is a held lease. Valid only while the clock is before ExpiresAt.
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease is still live at the given instant.
func (l *Lock) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Config wires a Manager.
type Config struct {
	Store  lockstore.Store
	Logger pslog.Logger
	Clock  clock.Clock
}

// Manager acquires and releases distributed locks and tracks the leases
// held by this process instance.
type Manager struct {
	store  lockstore.Store
	logger pslog.Logger
	clock  clock.Clock

	mu   sync.Mutex
	held map[string]*Lock
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("dlock: store required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:  cfg.Store,
		logger: loggingutil.WithSubsystem(cfg.Logger, "dlock"),
		clock:  clk,
		held:   make(map[string]*Lock),
	}, nil
}

// Acquire claims opts.Key with a fresh fencing token, retrying up to
// opts.MaxRetries attempts while the key is held. Exhaustion returns a
// *TimeoutError; the caller's protected work must not have run.
func (m *Manager) Acquire(ctx context.Context, opts Options) (*Lock, error) {
	opts = opts.normalized()
	if opts.Key == "" {
		return nil, errors.New("dlock: key required")
	}
	token := uuidv7.NewString()
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		now := m.clock.Now()
		ok, err := m.store.SetIfAbsent(ctx, opts.Key, token, opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("dlock: acquire %q: %w", opts.Key, err)
		}
		if ok {
			lock := &Lock{
				Key:        opts.Key,
				Token:      token,
				TTL:        opts.TTL,
				AcquiredAt: now,
				ExpiresAt:  now.Add(opts.TTL),
			}
			m.track(lock)
			m.logger.Debug("lock.acquire.ok",
				"key", opts.Key,
				"attempt", attempt,
				"ttl", opts.TTL.String(),
			)
			return lock, nil
		}
		if attempt == opts.MaxRetries {
			break
		}
		m.logger.Debug("lock.acquire.retry",
			"key", opts.Key,
			"attempt", attempt,
			"max_retries", opts.MaxRetries,
			"delay", opts.RetryDelay.String(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(jittered(opts.RetryDelay, opts.Jitter)):
		}
	}
	m.logger.Info("lock.acquire.timeout",
		"key", opts.Key,
		"attempts", opts.MaxRetries,
	)
	return nil, &TimeoutError{Key: opts.Key, Attempts: opts.MaxRetries}
}

// Reacquire makes one immediate attempt to regain an expired lease with a
// fresh token. It fails fast with *LostError when another holder has the
// key, so no protected work runs under a lease the caller no longer owns.
func (m *Manager) Reacquire(ctx context.Context, lock *Lock) (*Lock, error) {
	if lock == nil {
		return nil, errors.New("dlock: nil lock")
	}
	m.untrack(lock)
	token := uuidv7.NewString()
	now := m.clock.Now()
	ok, err := m.store.SetIfAbsent(ctx, lock.Key, token, lock.TTL)
	if err != nil {
		return nil, fmt.Errorf("dlock: reacquire %q: %w", lock.Key, err)
	}
	if !ok {
		m.logger.Warn("lock.reacquire.lost", "key", lock.Key)
		return nil, &LostError{Key: lock.Key}
	}
	fresh := &Lock{
		Key:        lock.Key,
		Token:      token,
		TTL:        lock.TTL,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lock.TTL),
	}
	m.track(fresh)
	m.logger.Debug("lock.reacquire.ok", "key", lock.Key)
	return fresh, nil
}

// Release removes the lease if the fencing token still owns it. Releasing
// an expired or re-acquired lock returns false without touching the new
// holder; release is idempotent.
func (m *Manager) Release(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	m.untrack(lock)
	ok, err := m.store.CompareAndDelete(ctx, lock.Key, lock.Token)
	if err != nil {
		return false, fmt.Errorf("dlock: release %q: %w", lock.Key, err)
	}
	if !ok {
		m.logger.Debug("lock.release.stale", "key", lock.Key)
		return false, nil
	}
	m.logger.Debug("lock.release.ok", "key", lock.Key)
	return true, nil
}

// CleanupExpiredLocks drops expired leases from local bookkeeping and
// returns how many were removed. The store self-expires its entries; this
// only keeps ActiveLockCount honest.
func (m *Manager) CleanupExpiredLocks() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, lock := range m.held {
		if !lock.Valid(now) {
			delete(m.held, key)
			removed++
		}
	}
	return removed
}

// ActiveLockCount reports leases currently tracked by this instance.
func (m *Manager) ActiveLockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Manager) track(lock *Lock) {
	m.mu.Lock()
	m.held[lock.Key] = lock
	m.mu.Unlock()
}

func (m *Manager) untrack(lock *Lock) {
	m.mu.Lock()
	if cur, ok := m.held[lock.Key]; ok && cur.Token == lock.Token {
		delete(m.held, lock.Key)
	}
	m.mu.Unlock()
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) * (1 + spread))
}
