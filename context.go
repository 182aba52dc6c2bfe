package txnd

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/txnd/datastore"
	"pkt.systems/txnd/deadlock"
	"pkt.systems/txnd/dlock"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/uuidv7"
)

// OperationRecord is one named sub-step in a transaction's audit log.
type OperationRecord struct {
	ID   string // compact unique id, ordered by insertion
	Name string
	At   time.Time
}

// Context is the audit record of one ExecuteTransaction call. It is
// created when the call starts, mutated only by the coordinator, and
// retained for a bounded window after completion.
type Context struct {
	TransactionID string
	Isolation     datastore.IsolationLevel
	StartTime     time.Time
	Parent        *Context

	mu           sync.Mutex
	operations   []OperationRecord
	savepoints   []string
	lock         *dlock.Lock
	deadlockInfo *deadlock.Info
}

func newContext(isolation datastore.IsolationLevel, start time.Time, parent *Context) *Context {
	return &Context{
		TransactionID: uuidv7.NewString(),
		Isolation:     isolation,
		StartTime:     start,
		Parent:        parent,
	}
}

func (c *Context) record(name string, at time.Time) {
	c.mu.Lock()
	c.operations = append(c.operations, OperationRecord{
		ID:   xid.New().String(),
		Name: name,
		At:   at,
	})
	c.mu.Unlock()
}

func (c *Context) recordSavepoint(name string) {
	c.mu.Lock()
	c.savepoints = append(c.savepoints, name)
	c.mu.Unlock()
}

func (c *Context) setLock(lock *dlock.Lock) {
	c.mu.Lock()
	c.lock = lock
	c.mu.Unlock()
}

func (c *Context) setDeadlockInfo(info *deadlock.Info) {
	c.mu.Lock()
	c.deadlockInfo = info
	c.mu.Unlock()
}

// Operations returns the ordered sub-step log.
func (c *Context) Operations() []OperationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OperationRecord, len(c.operations))
	copy(out, c.operations)
	return out
}

// Savepoints returns the names of savepoints created during the call.
func (c *Context) Savepoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.savepoints))
	copy(out, c.savepoints)
	return out
}

// Lock returns the distributed lock held by the call, if any.
func (c *Context) Lock() *dlock.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock
}

// DeadlockInfo returns diagnostics from the last detected deadlock or
// serialization conflict, if any.
func (c *Context) DeadlockInfo() *deadlock.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlockInfo
}

// registry tracks in-flight and recently completed contexts for this
// process instance. Completed entries expire after the retention window;
// expired entries are swept opportunistically on writes.
type registry struct {
	clock     clock.Clock
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
	active  int
}

type registryEntry struct {
	txc         *Context
	completedAt time.Time // zero while in flight
}

func newRegistry(clk clock.Clock, retention time.Duration) *registry {
	if retention <= 0 {
		retention = DefaultContextRetention
	}
	return &registry{
		clock:     clk,
		retention: retention,
		entries:   make(map[string]*registryEntry),
	}
}

func (r *registry) begin(txc *Context) {
	r.mu.Lock()
	r.sweepLocked(r.clock.Now())
	r.entries[txc.TransactionID] = &registryEntry{txc: txc}
	r.active++
	r.mu.Unlock()
}

func (r *registry) complete(transactionID string) {
	now := r.clock.Now()
	r.mu.Lock()
	if entry, ok := r.entries[transactionID]; ok && entry.completedAt.IsZero() {
		entry.completedAt = now
		r.active--
	}
	r.mu.Unlock()
}

func (r *registry) get(transactionID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[transactionID]
	if !ok {
		return nil, false
	}
	return entry.txc, true
}

func (r *registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *registry) sweepLocked(now time.Time) {
	for id, entry := range r.entries {
		if entry.completedAt.IsZero() {
			continue
		}
		if now.Sub(entry.completedAt) >= r.retention {
			delete(r.entries, id)
		}
	}
}
