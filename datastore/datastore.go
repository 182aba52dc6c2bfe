// Package datastore defines the transactional contract the coordinator
// runs against: begin at an isolation level, execute statements, commit
// or roll back, with nested transactions mapping to savepoints where the
// backing store supports them.
package datastore

import "context"

// IsolationLevel selects how strongly a transaction is shielded from
// concurrent ones. Default defers to the datastore's own default
// (READ COMMITTED on postgres).
type IsolationLevel string

const (
	Default         IsolationLevel = ""
	ReadUncommitted IsolationLevel = "read uncommitted"
	ReadCommitted   IsolationLevel = "read committed"
	RepeatableRead  IsolationLevel = "repeatable read"
	Serializable    IsolationLevel = "serializable"
)

// TxOptions configure Begin.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// Datastore begins transactions against the shared relational store.
type Datastore interface {
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	Close() error
}

// Tx is one in-flight transaction. Begin starts a nested transaction
// (a savepoint); committing or rolling back the nested Tx releases or
// rewinds the savepoint without ending the outer transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (rowsAffected int64, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows is a streaming result set.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...interface{}) error
}
