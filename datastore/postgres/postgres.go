// Package postgres adapts a pgx connection pool to the datastore
// contract. Isolation levels map onto pgx transaction options and nested
// Begin calls become savepoints, which pgx manages natively.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"pkt.systems/txnd/datastore"
)

// Store implements datastore.Datastore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the supplied DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("datastore/postgres: dsn required")
	}
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore/postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for callers that share it with the
// postgres lock store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Begin starts a transaction at the requested isolation level.
func (s *Store) Begin(ctx context.Context, opts datastore.TxOptions) (datastore.Tx, error) {
	pgxOpts := pgx.TxOptions{IsoLevel: isoLevel(opts.Isolation)}
	if opts.ReadOnly {
		pgxOpts.AccessMode = pgx.ReadOnly
	}
	tx, err := s.pool.BeginTx(ctx, pgxOpts)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isoLevel(level datastore.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case datastore.ReadUncommitted:
		return pgx.ReadUncommitted
	case datastore.ReadCommitted:
		return pgx.ReadCommitted
	case datastore.RepeatableRead:
		return pgx.RepeatableRead
	case datastore.Serializable:
		return pgx.Serializable
	default:
		return "" // datastore default
	}
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...interface{}) (datastore.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...interface{}) datastore.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) Begin(ctx context.Context) (datastore.Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: nested}, nil
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
