// Package retry holds the retry policy shared by config fetches, push channel
// reconnects and event delivery. A Policy is constructed once per client and
// passed to each call site; there is no process-wide instance.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	flagz "github.com/matt-riley/flagz-sdk"
)

const (
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2
	defaultJitter          = 0.1
)

// Policy classifies transport failures and hands out backoff sequences.
type Policy struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.initial = d
		}
	}
}

// WithMaxInterval caps every backoff delay.
func WithMaxInterval(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.max = d
		}
	}
}

// WithJitter sets the randomization factor. Zero gives deterministic delays.
func WithJitter(factor float64) Option {
	return func(p *Policy) {
		if factor >= 0 && factor < 1 {
			p.jitter = factor
		}
	}
}

// NewPolicy returns a Policy with exponential backoff between 1s and 30s.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		initial:    defaultInitialInterval,
		max:        defaultMaxInterval,
		multiplier: defaultMultiplier,
		jitter:     defaultJitter,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.max < p.initial {
		p.max = p.initial
	}
	return p
}

// Retryable reports whether the same request should be sent again later.
// Context cancellation by the caller is never retryable; a per-request
// deadline expiring is.
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, flagz.ErrNonRetryable) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, flagz.ErrRetryable) || errors.Is(err, context.DeadlineExceeded)
}

// NewBackOff returns a fresh backoff sequence. Each caller owns its sequence.
func (p *Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.Multiplier = p.multiplier
	b.RandomizationFactor = p.jitter
	b.Reset()
	return b
}

// Delay returns the wait before retry number attempt (1-based), following
// the same sequence NewBackOff hands out.
func (p *Policy) Delay(attempt int) time.Duration {
	b := p.NewBackOff()
	d := p.initial
	for i := 0; i < max(attempt, 1); i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return p.max
		}
		d = next
	}
	return d
}
