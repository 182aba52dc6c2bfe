package txnd

import "time"

// TransactionMetrics accumulates timings and counters across every
// attempt of one logical transaction. Duration covers the whole call:
// attempt time plus lock wait plus retry delays.
type TransactionMetrics struct {
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	LockWaitTime  time.Duration
	RetryAttempts int
	DeadlockCount int
	RollbackCount int
	// OperationCount is the number of datastore attempts, the first
	// included.
	OperationCount int
	QueryCount     int64
	AffectedRows   int64
}

// Result carries the outcome of one ExecuteTransaction call. On failure
// Data is the zero value and the classified error is returned alongside;
// the bookkeeping fields are populated either way.
type Result[T any] struct {
	Data             T
	TransactionID    string
	Duration         time.Duration
	RetryCount       int
	DeadlockDetected bool
	LockAcquired     bool
	RollbackOccurred bool
	Timestamp        time.Time
	// Metrics is nil when Options.DisableMetrics is set.
	Metrics *TransactionMetrics
}
