package txnd

import "time"

const (
	// DefaultTimeout caps the total wall clock of one ExecuteTransaction
	// call, lock wait and retries included, when Options.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryCount is the number of additional attempts after the
	// first when Options.RetryCount is zero.
	DefaultRetryCount = 3
	// DefaultContextRetention controls how long completed transaction
	// contexts stay queryable for audit.
	DefaultContextRetention = time.Minute
)

// Sentinels for Options fields whose zero value means "use the default".
const (
	// NoTimeout disables the overall wall-clock budget.
	NoTimeout = time.Duration(-1)
	// NoRetry disables retries entirely; the first failure is terminal.
	NoRetry = -1
)

func resolveTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout == 0:
		return DefaultTimeout
	case timeout < 0:
		return 0 // unbounded
	default:
		return timeout
	}
}

func resolveRetryCount(count int) int {
	switch {
	case count == 0:
		return DefaultRetryCount
	case count < 0:
		return 0
	default:
		return count
	}
}
