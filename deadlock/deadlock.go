// Package deadlock classifies datastore failures by driver-reported
// SQLSTATE so the coordinator can tell deadlock victims and transient
// faults apart from fatal errors that must not be retried.
package deadlock

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgconn"
	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/loggingutil"
)

// SQLSTATE codes the analyzer keys on.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeAdminShutdown        = "57P01"
	CodeCrashShutdown        = "57P02"
	CodeCannotConnectNow     = "57P03"
)

// SQLSTATE class prefixes.
const (
	classConnection          = "08"
	classDataException       = "22"
	classConstraintViolation = "23"
	classSyntaxOrAccess      = "42"
)

// Resolution describes how a classified failure is handled.
type Resolution string

const (
	ResolutionRetry Resolution = "retry"
	ResolutionAbort Resolution = "abort"
)

// Kind buckets failures by retry policy.
type Kind string

const (
	KindDeadlock             Kind = "deadlock"
	KindSerializationFailure Kind = "serialization_failure"
	KindTransientConnection  Kind = "transient_connection"
	KindConstraintViolation  Kind = "constraint_violation"
	KindValidation           Kind = "validation_failed"
	KindFatal                Kind = "fatal"
)

// Process is one participant in a reported deadlock cycle, when the
// driver exposes that level of diagnostic detail.
type Process struct {
	PID        int
	Query      string
	WaitingFor string
	LockType   string
}

// Info carries diagnostics for a detected deadlock or serialization
// conflict.
type Info struct {
	Detected   bool
	Processes  []Process
	Resolution Resolution
	Timestamp  time.Time
}

// Classification is the analyzer verdict for one failure.
type Classification struct {
	Kind      Kind
	Code      string // SQLSTATE when driver-reported
	Deadlock  bool
	Retryable bool
	Info      *Info
}

// Analyzer classifies datastore errors. The zero value is usable; New
// attaches a logger for per-classification diagnostics.
type Analyzer struct {
	logger pslog.Logger
}

// New constructs an Analyzer.
func New(logger pslog.Logger) *Analyzer {
	return &Analyzer{logger: loggingutil.EnsureLogger(logger)}
}

// Classify inspects err and decides whether it is a deadlock, a
// retryable transient fault, or fatal. Unrecognized errors are fatal:
// retrying an unknown failure repeats side effects without evidence the
// retry can succeed.
func (a *Analyzer) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindFatal}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		c := a.classifySQLState(pgErr)
		a.log(c, err)
		return c
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		c := Classification{Kind: KindTransientConnection, Retryable: true}
		a.log(c, err)
		return c
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The caller's budget expired; retrying inside it is pointless.
		return Classification{Kind: KindFatal}
	}

	c := Classification{Kind: KindFatal}
	a.log(c, err)
	return c
}

func (a *Analyzer) classifySQLState(pgErr *pgconn.PgError) Classification {
	code := pgErr.Code
	switch code {
	case CodeDeadlockDetected:
		return Classification{
			Kind:      KindDeadlock,
			Code:      code,
			Deadlock:  true,
			Retryable: true,
			Info:      infoFromPgError(pgErr),
		}
	case CodeSerializationFailure:
		return Classification{
			Kind:      KindSerializationFailure,
			Code:      code,
			Deadlock:  true,
			Retryable: true,
			Info:      infoFromPgError(pgErr),
		}
	case CodeAdminShutdown, CodeCrashShutdown, CodeCannotConnectNow:
		return Classification{Kind: KindTransientConnection, Code: code, Retryable: true}
	}
	if len(code) >= 2 {
		switch code[:2] {
		case classConnection:
			return Classification{Kind: KindTransientConnection, Code: code, Retryable: true}
		case classConstraintViolation:
			return Classification{Kind: KindConstraintViolation, Code: code}
		case classDataException:
			return Classification{Kind: KindValidation, Code: code}
		case classSyntaxOrAccess:
			return Classification{Kind: KindFatal, Code: code}
		}
	}
	return Classification{Kind: KindFatal, Code: code}
}

func infoFromPgError(pgErr *pgconn.PgError) *Info {
	info := &Info{
		Detected:   true,
		Resolution: ResolutionRetry,
		Timestamp:  time.Now().UTC(),
	}
	// Postgres reports the victim's own statement in the error detail;
	// full wait-for graphs are only available server-side.
	if pgErr.Detail != "" || pgErr.Where != "" {
		info.Processes = []Process{{
			Query:      pgErr.Where,
			WaitingFor: pgErr.Detail,
			LockType:   pgErr.ConstraintName,
		}}
	}
	return info
}

func (a *Analyzer) log(c Classification, err error) {
	if a == nil || a.logger == nil {
		return
	}
	if c.Retryable {
		a.logger.Debug("deadlock.classify.retryable",
			"kind", string(c.Kind),
			"sqlstate", c.Code,
			"error", err,
		)
		return
	}
	a.logger.Debug("deadlock.classify.fatal",
		"kind", string(c.Kind),
		"sqlstate", c.Code,
		"error", err,
	)
}
