// Package delivery pushes callbacks to a counterparty with bounded retries
// and exponential backoff, and classifies the counterparty's ack reply.
package delivery

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts    uint = 3
	DefaultInitialDelay        = 1000 * time.Millisecond
	DefaultAttemptTimeout      = 8 * time.Second
)

// Policy bounds one delivery sequence. The wait before attempt n+1 is
// InitialDelay * 2^(n-1).
type Policy struct {
	MaxAttempts    uint
	InitialDelay   time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy returns 3 attempts, 1s base delay and an 8s attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialDelay:   DefaultInitialDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
	}
}
