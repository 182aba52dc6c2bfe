package txnd

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type coordMetrics struct {
	executeDuration metric.Int64Histogram
	lockWait        metric.Int64Histogram
	retries         metric.Int64Counter
	deadlocks       metric.Int64Counter
	rollbacks       metric.Int64Counter
	timeouts        metric.Int64Counter
	active          metric.Int64UpDownCounter
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/txnd")
	m := &coordMetrics{}
	var err error

	m.executeDuration, err = meter.Int64Histogram(
		"txnd.execute.duration_ms",
		metric.WithDescription("Wall clock of one coordinated transaction, retries included"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txnd.execute.duration_ms", err)

	m.lockWait, err = meter.Int64Histogram(
		"txnd.lock.wait_ms",
		metric.WithDescription("Time spent waiting for distributed lock acquisition"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txnd.lock.wait_ms", err)

	m.retries, err = meter.Int64Counter(
		"txnd.execute.retries",
		metric.WithDescription("Retry attempts across all transactions"),
	)
	logMetricInitError(logger, "txnd.execute.retries", err)

	m.deadlocks, err = meter.Int64Counter(
		"txnd.execute.deadlocks",
		metric.WithDescription("Deadlocks and serialization conflicts observed"),
	)
	logMetricInitError(logger, "txnd.execute.deadlocks", err)

	m.rollbacks, err = meter.Int64Counter(
		"txnd.execute.rollbacks",
		metric.WithDescription("Rollbacks performed on failed attempts"),
	)
	logMetricInitError(logger, "txnd.execute.rollbacks", err)

	m.timeouts, err = meter.Int64Counter(
		"txnd.execute.timeouts",
		metric.WithDescription("Transactions aborted by the overall wall-clock budget"),
	)
	logMetricInitError(logger, "txnd.execute.timeouts", err)

	m.active, err = meter.Int64UpDownCounter(
		"txnd.execute.active",
		metric.WithDescription("Coordinator calls currently in flight in this instance"),
	)
	logMetricInitError(logger, "txnd.execute.active", err)

	return m
}

func (m *coordMetrics) begin(ctx context.Context) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(metricContext(ctx), 1)
}

func (m *coordMetrics) finish(ctx context.Context, result string, duration time.Duration, tm *TransactionMetrics) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("txnd.result", result))
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	if m.executeDuration != nil {
		m.executeDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if tm == nil {
		return
	}
	if m.lockWait != nil && tm.LockWaitTime > 0 {
		m.lockWait.Record(ctx, tm.LockWaitTime.Milliseconds(), attrs)
	}
	if m.retries != nil && tm.RetryAttempts > 0 {
		m.retries.Add(ctx, int64(tm.RetryAttempts), attrs)
	}
	if m.deadlocks != nil && tm.DeadlockCount > 0 {
		m.deadlocks.Add(ctx, int64(tm.DeadlockCount), attrs)
	}
	if m.rollbacks != nil && tm.RollbackCount > 0 {
		m.rollbacks.Add(ctx, int64(tm.RollbackCount), attrs)
	}
	if m.timeouts != nil && result == CodeTxnTimeout {
		m.timeouts.Add(ctx, 1, attrs)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
