// Package backoff computes retry delays for staged jobs that failed to reach
// their queue. Policies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed waits the same interval before every attempt.
type Fixed time.Duration

// Delay returns the interval.
func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically: Base * Factor^(attempt-1),
// capped at Cap when Cap is positive. A zero Factor means 2.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// NewExponential returns a doubling strategy starting at base.
func NewExponential(base, ceiling time.Duration) *Exponential {
	return &Exponential{Base: base, Factor: 2, Cap: ceiling}
}

// Delay returns the capped geometric delay for attempt.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(e.ceiling(attempt))
}

func (e *Exponential) ceiling(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Cap > 0 && d > float64(e.Cap) {
		d = float64(e.Cap)
	}
	// Guard against overflow for very large attempt counts.
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return d
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jittered applies full jitter to an exponential ceiling: the delay is
// uniform in [0, ceiling). It spreads retries of a batch of staged jobs
// that failed together.
type Jittered struct {
	Exponential
}

// NewJittered returns an exponential strategy with full jitter.
func NewJittered(base, ceiling time.Duration) *Jittered {
	return &Jittered{Exponential: Exponential{Base: base, Factor: 2, Cap: ceiling}}
}

// Delay returns a random duration below the exponential ceiling.
func (j *Jittered) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * j.ceiling(attempt)) //nolint:gosec // jitter does not need crypto rand
}

// DefaultStrategy is used by the outbox sweeper: full jitter from 5s up to
// 10m.
func DefaultStrategy() Strategy {
	return NewJittered(5*time.Second, 10*time.Minute)
}
