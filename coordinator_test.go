package txnd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"pkt.systems/pslog"

	"pkt.systems/txnd/datastore"
	"pkt.systems/txnd/dlock"
	"pkt.systems/txnd/lockstore/memory"
	"pkt.systems/txnd/retrypolicy"
)

// fakeClock records sleeps and advances itself, so backoff waits are
// observable without real delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0).UTC()}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	<-f.After(d)
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) sleepTotal() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	for _, d := range f.sleeps {
		total += d
	}
	return total
}

func (f *fakeClock) sleepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleeps)
}

type fakeDatastore struct {
	mu        sync.Mutex
	beginErrs []error
	begins    int
	txs       []*fakeTx
}

func (d *fakeDatastore) Begin(_ context.Context, opts datastore.TxOptions) (datastore.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.begins
	d.begins++
	if idx < len(d.beginErrs) && d.beginErrs[idx] != nil {
		return nil, d.beginErrs[idx]
	}
	tx := &fakeTx{isolation: opts.Isolation}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDatastore) Close() error { return nil }

type fakeTx struct {
	isolation  datastore.IsolationLevel
	execRows   int64
	commitErr  error
	committed  bool
	rolledBack bool
	nested     []*fakeTx
}

func (t *fakeTx) Exec(context.Context, string, ...interface{}) (int64, error) {
	if t.execRows == 0 {
		t.execRows = 1
	}
	return t.execRows, nil
}

func (t *fakeTx) Query(context.Context, string, ...interface{}) (datastore.Rows, error) {
	return nil, errors.New("fakeTx: query not supported")
}

func (t *fakeTx) QueryRow(context.Context, string, ...interface{}) datastore.Row {
	return fakeRow{}
}

func (t *fakeTx) Begin(context.Context) (datastore.Tx, error) {
	nested := &fakeTx{isolation: t.isolation}
	t.nested = append(t.nested, nested)
	return nested, nil
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeRow struct{}

func (fakeRow) Scan(...interface{}) error { return nil }

type testHarness struct {
	clock *fakeClock
	store *memory.Store
	ds    *fakeDatastore
	coord *Coordinator
}

func newHarness(t *testing.T, retry retrypolicy.Policy) *testHarness {
	t.Helper()
	clk := newFakeClock()
	store := memory.NewWithClock(clk)
	ds := &fakeDatastore{}
	coord, err := New(Config{
		Datastore: ds,
		LockStore: store,
		Logger:    pslog.NoopLogger(),
		Clock:     clk,
		Retry:     retry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testHarness{clock: clk, store: store, ds: ds, coord: coord}
}

func deterministicRetry() retrypolicy.Policy {
	return retrypolicy.Policy{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   80 * time.Millisecond,
		Multiplier: 2,
		Jitter:     retrypolicy.NoJitter,
	}
}

func TestRetryOnDeadlockThenSuccess(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		if calls <= 2 {
			return "", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return "order placed", nil
	}, Options{RetryCount: 3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Data != "order placed" {
		t.Fatalf("data = %q", res.Data)
	}
	if res.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", res.RetryCount)
	}
	if !res.DeadlockDetected {
		t.Fatal("expected deadlock detection")
	}
	if res.Metrics == nil || res.Metrics.OperationCount != 3 {
		t.Fatalf("operation count = %+v, want 3", res.Metrics)
	}
	if res.Metrics.DeadlockCount != 2 || res.Metrics.RollbackCount != 2 {
		t.Fatalf("deadlocks=%d rollbacks=%d, want 2/2", res.Metrics.DeadlockCount, res.Metrics.RollbackCount)
	}
	if got := h.clock.sleepCount(); got != 2 {
		t.Fatalf("backoff waits = %d, want 2", got)
	}
}

func TestFatalErrorPropagatesWithoutRetry(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	cause := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		return "", cause
	}, Options{RetryCount: 5})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1", calls)
	}
	if code := FailureCode(err); code != CodeConstraintViolation {
		t.Fatalf("code = %q", code)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr != cause {
		t.Fatal("driver error must be reachable verbatim through Unwrap")
	}
	if res.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", res.RetryCount)
	}
	if !res.RollbackOccurred {
		t.Fatal("expected rollback")
	}
	if h.clock.sleepCount() != 0 {
		t.Fatal("fatal errors must not wait on the retry schedule")
	}
}

func TestLockTimeoutNeverRunsOperation(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	if ok, _ := h.store.SetIfAbsent(ctx, "order:42", "other-instance", time.Hour); !ok {
		t.Fatal("pre-hold failed")
	}
	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		return "unreachable", nil
	}, Options{
		Lock: &dlock.Options{
			Key:        "order:42",
			TTL:        time.Minute,
			RetryDelay: 10 * time.Millisecond,
			MaxRetries: 3,
		},
	})
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if calls != 0 {
		t.Fatalf("operation ran %d times, want 0", calls)
	}
	if code := FailureCode(err); code != CodeLockTimeout {
		t.Fatalf("code = %q", code)
	}
	var timeout *dlock.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected wrapped *dlock.TimeoutError, got %v", err)
	}
	if res.LockAcquired {
		t.Fatal("lock must not be reported acquired")
	}
	if h.ds.begins != 0 {
		t.Fatalf("datastore transactions begun: %d, want 0", h.ds.begins)
	}
	if res.Metrics.LockWaitTime != h.clock.sleepTotal() {
		t.Fatalf("lock wait %s != slept %s", res.Metrics.LockWaitTime, h.clock.sleepTotal())
	}
}

func TestOverallTimeoutPrecedesRetryBudget(t *testing.T) {
	h := newHarness(t, retrypolicy.Policy{
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Jitter:     retrypolicy.NoJitter,
	})
	ctx := context.Background()

	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		h.clock.advance(40 * time.Millisecond) // each attempt takes 40ms
		return "", &pgconn.PgError{Code: "40001"}
	}, Options{RetryCount: 10, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if code := FailureCode(err); code != CodeTxnTimeout {
		t.Fatalf("code = %q", code)
	}
	if calls >= 10 {
		t.Fatalf("ran %d attempts; budget should abort long before retry exhaustion", calls)
	}
	if !res.DeadlockDetected {
		t.Fatal("serialization failure should be flagged")
	}
}

func TestMetricsAdditivity(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	const attemptCost = 10 * time.Millisecond
	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		h.clock.advance(attemptCost)
		if calls <= 2 {
			return "", &pgconn.PgError{Code: "40P01"}
		}
		return "ok", nil
	}, Options{RetryCount: 3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := time.Duration(calls)*attemptCost + h.clock.sleepTotal()
	if res.Metrics.Duration != want {
		t.Fatalf("duration %s != attempts+waits %s", res.Metrics.Duration, want)
	}
	if res.Metrics.LockWaitTime != 0 {
		t.Fatalf("lock wait %s without a lock", res.Metrics.LockWaitTime)
	}
	if res.Duration != res.Metrics.Duration {
		t.Fatal("result duration must match metrics duration")
	}
}

func TestLockLifecycleAndIntrospection(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (int64, error) {
		if got := h.coord.ActiveTransactionCount(); got != 1 {
			t.Errorf("active transactions = %d, want 1", got)
		}
		if got := h.coord.ActiveLockCount(); got != 1 {
			t.Errorf("active locks = %d, want 1", got)
		}
		tx.Step("charge.card")
		return tx.Exec(ctx, "UPDATE orders SET status = $1", "paid")
	}, Options{
		Isolation: datastore.Serializable,
		Lock:      &dlock.Options{Key: "order:42", TTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.LockAcquired {
		t.Fatal("expected lock acquisition")
	}
	if res.Data != 1 {
		t.Fatalf("affected rows = %d", res.Data)
	}
	if h.coord.ActiveTransactionCount() != 0 || h.coord.ActiveLockCount() != 0 {
		t.Fatal("counters must return to zero after completion")
	}
	if _, getErr := h.store.Get(ctx, "order:42"); getErr == nil {
		t.Fatal("lock must be released in the store")
	}

	txc, ok := h.coord.TransactionContext(res.TransactionID)
	if !ok {
		t.Fatal("context must stay queryable within retention")
	}
	if txc.Isolation != datastore.Serializable {
		t.Fatalf("isolation = %q", txc.Isolation)
	}
	var names []string
	for _, op := range txc.Operations() {
		names = append(names, op.Name)
	}
	assertContains(t, names, "lock.acquire")
	assertContains(t, names, "tx.begin")
	assertContains(t, names, "charge.card")
	assertContains(t, names, "tx.commit")
	if res.Metrics.QueryCount != 1 || res.Metrics.AffectedRows != 1 {
		t.Fatalf("queries=%d rows=%d", res.Metrics.QueryCount, res.Metrics.AffectedRows)
	}
}

func TestLockReacquiredAfterLeaseExpiryMidRetry(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	calls := 0
	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		if calls == 1 {
			h.clock.advance(100 * time.Millisecond) // outlive the 50ms lease
			return "", &pgconn.PgError{Code: "40P01"}
		}
		return "ok", nil
	}, Options{
		RetryCount: 3,
		Lock:       &dlock.Options{Key: "order:42", TTL: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Data != "ok" {
		t.Fatalf("data = %q", res.Data)
	}
	txc, _ := h.coord.TransactionContext(res.TransactionID)
	var names []string
	for _, op := range txc.Operations() {
		names = append(names, op.Name)
	}
	assertContains(t, names, "lock.reacquire")
}

func TestLockLostWhenSuccessorHoldsKey(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	calls := 0
	_, err := Execute(ctx, h.coord, func(opCtx context.Context, tx *Handle) (string, error) {
		calls++
		h.clock.advance(100 * time.Millisecond)
		// Another instance takes over the expired key before our retry.
		if ok, _ := h.store.SetIfAbsent(ctx, "order:42", "successor", time.Hour); !ok {
			t.Error("successor takeover failed")
		}
		return "", &pgconn.PgError{Code: "40P01"}
	}, Options{
		RetryCount: 3,
		Lock:       &dlock.Options{Key: "order:42", TTL: 50 * time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected lock_lost")
	}
	if code := FailureCode(err); code != CodeLockLost {
		t.Fatalf("code = %q", code)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times after losing the lease, want 1", calls)
	}
	// The successor's lock must survive our terminal release path.
	entry, getErr := h.store.Get(ctx, "order:42")
	if getErr != nil || entry.Token != "successor" {
		t.Fatalf("successor lock disturbed: %+v %v", entry, getErr)
	}
}

func TestDisabledDeadlockDetectionIsTerminal(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	calls := 0
	_, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		return "", &pgconn.PgError{Code: "40P01"}
	}, Options{RetryCount: 5, DisableDeadlockDetection: true})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("ran %d times, want 1", calls)
	}
	if code := FailureCode(err); code != CodeOperationFailed {
		t.Fatalf("code = %q", code)
	}
}

func TestNoRetrySentinel(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	calls := 0
	_, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		calls++
		return "", &pgconn.PgError{Code: "40P01"}
	}, Options{RetryCount: NoRetry})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("ran %d times, want 1", calls)
	}
	if h.clock.sleepCount() != 0 {
		t.Fatal("no backoff waits expected")
	}
}

func TestSavepointsRecorded(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		sp, err := tx.Savepoint(ctx, "before-items")
		if err != nil {
			return "", err
		}
		if _, err := sp.Handle().Exec(ctx, "INSERT INTO items VALUES (1)"); err != nil {
			return "", err
		}
		if err := sp.Rollback(ctx); err != nil {
			return "", err
		}
		return "ok", nil
	}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	txc, _ := h.coord.TransactionContext(res.TransactionID)
	sps := txc.Savepoints()
	if len(sps) != 1 || sps[0] != "before-items" {
		t.Fatalf("savepoints = %v", sps)
	}
	if len(h.ds.txs) != 1 || len(h.ds.txs[0].nested) != 1 {
		t.Fatal("expected one nested transaction")
	}
	if !h.ds.txs[0].nested[0].rolledBack {
		t.Fatal("savepoint must be rolled back")
	}
	if !h.ds.txs[0].committed {
		t.Fatal("outer transaction must commit")
	}
}

func TestTransientBeginErrorRetried(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	h.ds.beginErrs = []error{&pgconn.PgError{Code: "08006", Message: "connection failure"}}
	ctx := context.Background()

	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		return "ok", nil
	}, Options{RetryCount: 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", res.RetryCount)
	}
	if res.RollbackOccurred {
		t.Fatal("no transaction existed to roll back")
	}
}

func TestDisableMetricsOmitsRecord(t *testing.T) {
	h := newHarness(t, deterministicRetry())
	ctx := context.Background()

	res, err := Execute(ctx, h.coord, func(ctx context.Context, tx *Handle) (string, error) {
		return "ok", nil
	}, Options{DisableMetrics: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Metrics != nil {
		t.Fatal("metrics must be omitted")
	}
	if res.TransactionID == "" || res.Duration < 0 {
		t.Fatal("bookkeeping fields must still be populated")
	}
}

func assertContains(t *testing.T, haystack []string, needle string) {
	t.Helper()
	for _, s := range haystack {
		if s == needle {
			return
		}
	}
	t.Fatalf("%q not found in %v", needle, haystack)
}
