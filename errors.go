package txnd

import (
	"errors"
	"fmt"
)

// Failure codes surfaced by the coordinator.
const (
	// CodeLockTimeout: the distributed lock could not be acquired within
	// its retry budget. The operation never ran.
	CodeLockTimeout = "lock_timeout"
	// CodeLockLost: the lease expired mid-retry and could not be
	// re-acquired before the next attempt.
	CodeLockLost = "lock_lost"
	// CodeDeadlockDetected: the datastore chose this transaction as a
	// deadlock victim and retries are exhausted.
	CodeDeadlockDetected = "deadlock_detected"
	// CodeSerializationFailure: a serialization conflict survived all
	// retries.
	CodeSerializationFailure = "serialization_failure"
	// CodeTransientConnection: a connection-level fault survived all
	// retries.
	CodeTransientConnection = "transient_connection"
	// CodeConstraintViolation: the datastore rejected the write; never
	// retried.
	CodeConstraintViolation = "constraint_violation"
	// CodeValidationFailed: the operation's input was rejected; never
	// retried.
	CodeValidationFailed = "validation_failed"
	// CodeTxnTimeout: the overall wall-clock budget expired before the
	// transaction completed.
	CodeTxnTimeout = "txn_timeout"
	// CodeOperationFailed: an unclassified, non-retryable failure.
	CodeOperationFailed = "operation_failed"
)

// Failure is the transport-neutral classified error returned by the
// coordinator. Cause carries the last datastore or lock error verbatim
// and is reachable through errors.Unwrap, so callers can still match on
// driver error types.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds; hint for callers that retry at a higher level
	Cause      error
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// FailureCode extracts the classified code from err, or "" when err is
// not a coordinator Failure.
func FailureCode(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
