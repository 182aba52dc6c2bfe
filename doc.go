// Package txnd executes units of work against a shared relational store
// under an optional cross-instance distributed lock, with bounded retry
// of deadlock victims and transient faults, and a verifiable metrics and
// audit trail per attempt.
//
// The coordinator composes four collaborators, all injectable for tests:
// a datastore (package datastore, pgx adapter in datastore/postgres), a
// shared lock store (package lockstore), a retry policy (package
// retrypolicy) and an error classifier (package deadlock).
//
//	store, _ := dspostgres.New(ctx, dsn)
//	coord, _ := txnd.New(txnd.Config{
//		Datastore: store,
//		LockStore: lspostgres.NewWithPool(store.Pool()),
//	})
//	res, err := txnd.Execute(ctx, coord, placeOrder, txnd.Options{
//		Isolation: datastore.Serializable,
//		Lock:      &dlock.Options{Key: "order:42", TTL: 2 * time.Second},
//	})
//
// Failures come back as *txnd.Failure with a stable code, wrapping the
// last driver error verbatim.
package txnd
