package txnd

import (
	"context"
	"errors"
	"math"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/datastore"
	"pkt.systems/txnd/deadlock"
	"pkt.systems/txnd/dlock"
	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/lockstore"
	"pkt.systems/txnd/retrypolicy"
)

// Options configure one ExecuteTransaction call.
type Options struct {
	// Isolation selects the datastore isolation level for every attempt.
	Isolation datastore.IsolationLevel
	// Timeout caps the total wall clock of the call: lock wait, all
	// attempts, retry delays and commit. Zero means DefaultTimeout,
	// NoTimeout disables the budget.
	Timeout time.Duration
	// RetryCount is the maximum number of additional attempts after the
	// first. Zero means DefaultRetryCount, NoRetry disables retries.
	RetryCount int
	// Lock, when set, serializes the call against all instances
	// competing for the same key. Acquisition failure returns before the
	// operation runs.
	Lock *dlock.Options
	// DisableDeadlockDetection skips error classification; every failure
	// becomes terminal.
	DisableDeadlockDetection bool
	// DisableRollback leaves a failed attempt's transaction to the
	// datastore's own abort handling instead of rolling back explicitly.
	DisableRollback bool
	// DisableMetrics omits the TransactionMetrics record from the result.
	DisableMetrics bool
	// Parent links the audit context to an enclosing transaction.
	Parent *Context
}

// Operation is the caller-supplied unit of work. It runs inside a
// datastore transaction and may be invoked multiple times when attempts
// are retried, so it must be safe to re-run after a rollback.
type Operation[T any] func(ctx context.Context, h *Handle) (T, error)

// Config wires a Coordinator.
type Config struct {
	// Datastore is the transactional store operations run against.
	Datastore datastore.Datastore
	// LockStore backs distributed locking; optional unless callers pass
	// Options.Lock.
	LockStore lockstore.Store
	Logger    pslog.Logger
	Clock     clock.Clock
	// Retry shapes backoff between attempts. MaxRetries is overridden
	// per call by Options.RetryCount.
	Retry retrypolicy.Policy
	// ContextRetention bounds how long completed transaction contexts
	// stay queryable.
	ContextRetention time.Duration
}

// Coordinator executes operations under a transactional context with
// optional cross-instance locking and bounded, classified retry. All
// collaborators are injected; substitute in-memory fakes in tests.
type Coordinator struct {
	datastore datastore.Datastore
	locks     *dlock.Manager
	logger    pslog.Logger
	clock     clock.Clock
	retry     retrypolicy.Policy
	analyzer  *deadlock.Analyzer
	registry  *registry
	metrics   *coordMetrics
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Datastore == nil {
		return nil, errors.New("txnd: datastore required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "coordinator")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	var locks *dlock.Manager
	if cfg.LockStore != nil {
		mgr, err := dlock.New(dlock.Config{
			Store:  cfg.LockStore,
			Logger: cfg.Logger,
			Clock:  clk,
		})
		if err != nil {
			return nil, err
		}
		locks = mgr
	}
	return &Coordinator{
		datastore: cfg.Datastore,
		locks:     locks,
		logger:    logger,
		clock:     clk,
		retry:     cfg.Retry.Normalize(),
		analyzer:  deadlock.New(cfg.Logger),
		registry:  newRegistry(clk, cfg.ContextRetention),
		metrics:   newCoordMetrics(logger),
	}, nil
}

// Execute runs op under a coordinated transaction and returns its typed
// result. The returned *Result is populated on failure too, so callers
// can inspect retry and rollback bookkeeping alongside the classified
// error.
func Execute[T any](ctx context.Context, c *Coordinator, op Operation[T], opts Options) (*Result[T], error) {
	var data T
	out, err := c.execute(ctx, opts, func(ctx context.Context, h *Handle) error {
		v, opErr := op(ctx, h)
		if opErr != nil {
			return opErr
		}
		data = v
		return nil
	})
	res := &Result[T]{
		TransactionID:    out.txc.TransactionID,
		Duration:         out.metrics.Duration,
		RetryCount:       out.retryCount,
		DeadlockDetected: out.deadlockDetected,
		LockAcquired:     out.lockAcquired,
		RollbackOccurred: out.rollbackOccurred,
		Timestamp:        out.metrics.EndTime,
	}
	if !opts.DisableMetrics {
		res.Metrics = out.metrics
	}
	if err == nil {
		res.Data = data
	}
	return res, err
}

// ExecuteTransaction runs an untyped operation; use Execute for typed
// results.
func (c *Coordinator) ExecuteTransaction(ctx context.Context, op func(ctx context.Context, h *Handle) error, opts Options) (*Result[struct{}], error) {
	return Execute(ctx, c, func(ctx context.Context, h *Handle) (struct{}, error) {
		return struct{}{}, op(ctx, h)
	}, opts)
}

// ActiveTransactionCount reports coordinator calls currently in flight
// in this process instance.
func (c *Coordinator) ActiveTransactionCount() int {
	return c.registry.activeCount()
}

// ActiveLockCount reports distributed locks currently held by this
// instance.
func (c *Coordinator) ActiveLockCount() int {
	if c.locks == nil {
		return 0
	}
	return c.locks.ActiveLockCount()
}

// TransactionContext returns the audit context for a transaction ID, in
// flight or within the retention window.
func (c *Coordinator) TransactionContext(transactionID string) (*Context, bool) {
	return c.registry.get(transactionID)
}

// CleanupExpiredLocks drops expired leases from local bookkeeping and
// returns how many were removed.
func (c *Coordinator) CleanupExpiredLocks() int {
	if c.locks == nil {
		return 0
	}
	return c.locks.CleanupExpiredLocks()
}

type executeOutcome struct {
	txc              *Context
	metrics          *TransactionMetrics
	retryCount       int
	deadlockDetected bool
	lockAcquired     bool
	rollbackOccurred bool
}

func (c *Coordinator) execute(ctx context.Context, opts Options, run func(context.Context, *Handle) error) (out *executeOutcome, err error) {
	start := c.clock.Now()
	txc := newContext(opts.Isolation, start, opts.Parent)
	out = &executeOutcome{
		txc:     txc,
		metrics: &TransactionMetrics{StartTime: start},
	}
	timeout := resolveTimeout(opts.Timeout)
	retryCount := resolveRetryCount(opts.RetryCount)
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	c.registry.begin(txc)
	c.metrics.begin(ctx)
	defer func() {
		end := c.clock.Now()
		out.metrics.EndTime = end
		out.metrics.Duration = end.Sub(start)
		out.metrics.RetryAttempts = out.retryCount
		c.registry.complete(txc.TransactionID)
		result := "ok"
		if err != nil {
			result = FailureCode(err)
			if result == "" {
				result = CodeOperationFailed
			}
		}
		c.metrics.finish(ctx, result, out.metrics.Duration, out.metrics)
	}()

	c.logger.Debug("txn.execute.begin",
		"txn_id", txc.TransactionID,
		"isolation", string(opts.Isolation),
		"timeout", timeout.String(),
		"retry_count", retryCount,
		"locked", opts.Lock != nil,
	)

	var lock *dlock.Lock
	if opts.Lock != nil {
		if c.locks == nil {
			return out, &Failure{Code: CodeLockTimeout, Detail: "no lock store configured"}
		}
		txc.record("lock.acquire", c.clock.Now())
		waitStart := c.clock.Now()
		acquired, lockErr := c.locks.Acquire(ctx, *opts.Lock)
		out.metrics.LockWaitTime += c.clock.Now().Sub(waitStart)
		if lockErr != nil {
			c.logger.Info("txn.lock.unavailable",
				"txn_id", txc.TransactionID,
				"key", opts.Lock.Key,
				"error", lockErr,
			)
			return out, lockFailure(lockErr, opts.Lock)
		}
		lock = acquired
		out.lockAcquired = true
		txc.setLock(lock)
		// Release on every terminal path, even when the caller's context
		// is already canceled.
		defer func() {
			if lock == nil {
				return
			}
			released, relErr := c.locks.Release(context.WithoutCancel(ctx), lock)
			if relErr != nil {
				c.logger.Warn("txn.lock.release_failed",
					"txn_id", txc.TransactionID,
					"key", lock.Key,
					"error", relErr,
				)
				return
			}
			if !released {
				c.logger.Debug("txn.lock.release_stale",
					"txn_id", txc.TransactionID,
					"key", lock.Key,
				)
			}
		}()
	}

	policy := c.retry
	policy.MaxRetries = retryCount
	schedule := policy.NewSchedule()

	for attempt := 0; ; attempt++ {
		now := c.clock.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			c.logger.Info("txn.execute.timeout",
				"txn_id", txc.TransactionID,
				"attempt", attempt,
				"elapsed", now.Sub(start).String(),
			)
			return out, &Failure{Code: CodeTxnTimeout, Detail: "transaction budget exhausted"}
		}
		if lock != nil && !lock.Valid(now) {
			fresh, reErr := c.locks.Reacquire(ctx, lock)
			if reErr != nil {
				lock = nil // nothing left to release
				return out, &Failure{Code: CodeLockLost, Detail: reErr.Error(), Cause: reErr}
			}
			lock = fresh
			txc.setLock(fresh)
			txc.record("lock.reacquire", now)
		}

		txc.record("tx.begin", now)
		var opErr error
		committed := false
		tx, beginErr := c.datastore.Begin(ctx, datastore.TxOptions{Isolation: opts.Isolation})
		if beginErr != nil {
			opErr = beginErr
		} else {
			out.metrics.OperationCount++
			h := &Handle{tx: tx, txc: txc, metrics: out.metrics, clock: c.clock}
			opErr = run(ctx, h)
			if opErr == nil {
				txc.record("tx.commit", c.clock.Now())
				if commitErr := tx.Commit(ctx); commitErr != nil {
					opErr = commitErr
				} else {
					committed = true
				}
			}
			if opErr != nil && !opts.DisableRollback {
				txc.record("tx.rollback", c.clock.Now())
				// A failed commit has already ended the transaction; the
				// extra rollback is a no-op then.
				if rbErr := tx.Rollback(ctx); rbErr != nil {
					c.logger.Debug("txn.rollback.noop",
						"txn_id", txc.TransactionID,
						"error", rbErr,
					)
				}
				out.rollbackOccurred = true
				out.metrics.RollbackCount++
			}
		}
		if committed {
			c.logger.Debug("txn.execute.ok",
				"txn_id", txc.TransactionID,
				"attempts", attempt+1,
				"retries", out.retryCount,
			)
			return out, nil
		}

		class := deadlock.Classification{Kind: deadlock.KindFatal}
		if !opts.DisableDeadlockDetection {
			class = c.analyzer.Classify(opErr)
		}
		if class.Deadlock {
			out.deadlockDetected = true
			out.metrics.DeadlockCount++
			txc.setDeadlockInfo(class.Info)
		}
		failure := classifiedFailure(class, opErr)
		if !policy.ShouldRetry(attempt, class.Retryable) {
			c.logger.Info("txn.execute.failed",
				"txn_id", txc.TransactionID,
				"code", failure.Code,
				"attempts", attempt+1,
				"retryable", class.Retryable,
				"error", opErr,
			)
			return out, failure
		}
		delay := schedule.NextDelay()
		now = c.clock.Now()
		if !deadline.IsZero() && now.Add(delay).After(deadline) {
			c.logger.Info("txn.execute.timeout",
				"txn_id", txc.TransactionID,
				"attempt", attempt+1,
				"pending_delay", delay.String(),
			)
			return out, &Failure{Code: CodeTxnTimeout, Detail: "retry budget exceeds transaction deadline", Cause: opErr}
		}
		c.logger.Debug("txn.retry.wait",
			"txn_id", txc.TransactionID,
			"attempt", attempt+1,
			"delay", delay.String(),
			"code", failure.Code,
		)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-c.clock.After(delay):
		}
		out.retryCount++
	}
}

func classifiedFailure(class deadlock.Classification, cause error) *Failure {
	code := CodeOperationFailed
	switch class.Kind {
	case deadlock.KindDeadlock:
		code = CodeDeadlockDetected
	case deadlock.KindSerializationFailure:
		code = CodeSerializationFailure
	case deadlock.KindTransientConnection:
		code = CodeTransientConnection
	case deadlock.KindConstraintViolation:
		code = CodeConstraintViolation
	case deadlock.KindValidation:
		code = CodeValidationFailed
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &Failure{Code: code, Detail: detail, Cause: cause}
}

func lockFailure(err error, opts *dlock.Options) error {
	var timeout *dlock.TimeoutError
	if errors.As(err, &timeout) {
		retryAfter := int64(1)
		if opts != nil && opts.RetryDelay > 0 {
			retryAfter = int64(math.Ceil(opts.RetryDelay.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return &Failure{
			Code:       CodeLockTimeout,
			Detail:     err.Error(),
			RetryAfter: retryAfter,
			Cause:      err,
		}
	}
	return &Failure{Code: CodeLockTimeout, Detail: err.Error(), Cause: err}
}
