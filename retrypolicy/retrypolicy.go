// Package retrypolicy computes bounded retry schedules with exponential
// backoff and randomized jitter, so competing instances retrying the same
// contended resource do not synchronize into retry storms.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults applied by Policy.Normalize.
const (
	DefaultBaseDelay  = 50 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
	DefaultMaxRetries = 3
)

// NoJitter disables delay randomization; a zero Jitter means DefaultJitter.
const NoJitter = -1.0

// Policy describes how failed attempts are retried. MaxRetries counts
// additional attempts after the first.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed retries. Non-retryable errors never retry,
// regardless of remaining attempts.
func (p Policy) ShouldRetry(attempt int, retryable bool) bool {
	if !retryable {
		return false
	}
	return attempt < p.MaxRetries
}

// NewSchedule starts a fresh backoff sequence for one logical transaction.
func (p Policy) NewSchedule() *Schedule {
	p = p.Normalize()
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = jitter
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxDelay
	bo.Reset()
	return &Schedule{policy: p, bo: bo}
}

// Schedule is a stateful backoff sequence. Each NextDelay call advances
// the exponential curve.
type Schedule struct {
	policy Policy
	bo     *backoff.ExponentialBackOff
}

// NextDelay returns the wait before the next attempt: base * 2^n with
// ±jitter, capped at MaxDelay.
func (s *Schedule) NextDelay() time.Duration {
	d := s.bo.NextBackOff()
	if d < 0 {
		d = s.policy.MaxDelay
	}
	return d
}

// Policy returns the normalized policy backing the schedule.
func (s *Schedule) Policy() Policy {
	return s.policy
}
