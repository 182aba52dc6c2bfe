package txnd

import (
	"context"
	"fmt"

	"pkt.systems/txnd/datastore"
	"pkt.systems/txnd/internal/clock"
)

// Handle is the transaction surface handed to operations. It forwards to
// the underlying datastore transaction while feeding the audit log and
// per-transaction query counters.
type Handle struct {
	tx      datastore.Tx
	txc     *Context
	metrics *TransactionMetrics
	clock   clock.Clock
}

// Exec runs a statement and accounts affected rows.
func (h *Handle) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	n, err := h.tx.Exec(ctx, sql, args...)
	h.metrics.QueryCount++
	h.metrics.AffectedRows += n
	return n, err
}

// Query runs a query returning rows.
func (h *Handle) Query(ctx context.Context, sql string, args ...interface{}) (datastore.Rows, error) {
	h.metrics.QueryCount++
	return h.tx.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query.
func (h *Handle) QueryRow(ctx context.Context, sql string, args ...interface{}) datastore.Row {
	h.metrics.QueryCount++
	return h.tx.QueryRow(ctx, sql, args...)
}

// Step records a named sub-step in the transaction's audit log.
func (h *Handle) Step(name string) {
	h.txc.record(name, h.clock.Now())
}

// Savepoint opens a named intermediate rollback point, backed by a
// nested datastore transaction. Work done through the savepoint's handle
// can be rolled back without abandoning the outer transaction.
func (h *Handle) Savepoint(ctx context.Context, name string) (*Savepoint, error) {
	nested, err := h.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("savepoint %q: %w", name, err)
	}
	h.txc.recordSavepoint(name)
	h.txc.record("savepoint:"+name, h.clock.Now())
	return &Savepoint{
		Name: name,
		handle: &Handle{
			tx:      nested,
			txc:     h.txc,
			metrics: h.metrics,
			clock:   h.clock,
		},
	}, nil
}

// Savepoint is a named intermediate rollback point.
type Savepoint struct {
	Name   string
	handle *Handle
}

// Handle returns the transaction surface scoped to the savepoint.
func (s *Savepoint) Handle() *Handle {
	return s.handle
}

// Release commits the savepoint, folding its work into the outer
// transaction.
func (s *Savepoint) Release(ctx context.Context) error {
	return s.handle.tx.Commit(ctx)
}

// Rollback rewinds the transaction to the savepoint.
func (s *Savepoint) Rollback(ctx context.Context) error {
	return s.handle.tx.Rollback(ctx)
}
