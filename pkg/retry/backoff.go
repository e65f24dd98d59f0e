package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the fraction of the computed delay added at random, in [0,1].
	Jitter float64
}

// Normalized fills zero values with defaults and clamps out-of-range settings.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// BaseDelayFor returns the un-jittered wait before the given 1-based attempt.
// The first retry (attempt 2) waits exactly BaseDelay, so the delay is
// BaseDelay * Multiplier^(attempt-2), one power lower than the textbook
// base * multiplier^(n-1) when n counts attempts. Counting retries instead,
// it is base * multiplier^(retry-1). Capped at MaxDelay.
func (p Policy) BaseDelayFor(attempt int) time.Duration {
	p = p.Normalized()
	if attempt < 2 {
		return 0
	}
	scaled := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if scaled >= float64(p.MaxDelay) || math.IsInf(scaled, 1) {
		return p.MaxDelay
	}
	return time.Duration(scaled)
}

// Backoff is the retry state machine: how many attempts were made and what
// the next wait is. It is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
	last    time.Duration
	rand    func() float64
}

// NewBackoff starts a state machine before the first attempt.
func NewBackoff(policy Policy, randFn func() float64) *Backoff {
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Backoff{policy: policy.Normalized(), rand: randFn}
}

// Attempt returns the number of attempts started so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Policy returns the normalized policy driving the state machine.
func (b *Backoff) Policy() Policy {
	return b.policy
}

// Begin records the start of an attempt and reports whether it is allowed.
func (b *Backoff) Begin() bool {
	if b.attempt >= b.policy.MaxAttempts {
		return false
	}
	b.attempt++
	return true
}

// Remaining reports whether another attempt may follow the current one.
func (b *Backoff) Remaining() bool {
	return b.attempt < b.policy.MaxAttempts
}

// NextDelay returns the wait before the next attempt. Delays never exceed
// MaxDelay and never decrease across calls.
func (b *Backoff) NextDelay() time.Duration {
	delay := b.policy.BaseDelayFor(b.attempt + 1)
	if b.policy.Jitter > 0 && delay > 0 {
		delay += time.Duration(b.rand() * b.policy.Jitter * float64(delay))
	}
	if delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	return delay
}
