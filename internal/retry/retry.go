// Package retry runs calls against unreliable upstreams (the generative
// engine, the chat transport) with attempt-bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/metrics"
)

// Kind classifies an error returned by an operation.
type Kind int

const (
	// NonRetryable aborts immediately.
	NonRetryable Kind = iota
	// RateLimited is retried with the standard jitter window.
	RateLimited
	// TransientServer covers 5xx responses and connection failures.
	TransientServer
	// Overloaded is retried with the wider jitter window.
	Overloaded
	// TerminalRecipient aborts immediately and is reported distinctly.
	TerminalRecipient
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case TransientServer:
		return "transient_server"
	case Overloaded:
		return "overloaded"
	case TerminalRecipient:
		return "terminal_recipient"
	default:
		return "non_retryable"
	}
}

// Retryable reports whether errors of this kind may be attempted again.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == TransientServer || k == Overloaded
}

// Classification is the verdict of a Classifier. RetryAfter carries a
// server-communicated minimum wait, if any.
type Classification struct {
	Kind       Kind
	RetryAfter time.Duration
}

// Classifier maps an operation error to a Classification.
type Classifier func(error) Classification

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Jitter         time.Duration
	OverloadJitter time.Duration
	// MaxWait caps server-communicated waits.
	MaxWait time.Duration
}

// Failure is returned when an operation did not succeed.
type Failure struct {
	Op        string
	Kind      Kind
	Attempts  int
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Exhausted {
		return fmt.Sprintf("retry: %s: %d attempts exhausted (%s): %v", f.Op, f.Attempts, f.Kind, f.Err)
	}
	return fmt.Sprintf("retry: %s: %s after %d attempt(s): %v", f.Op, f.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// IsTerminal reports whether err is a Failure caused by an unreachable
// recipient.
func IsTerminal(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == TerminalRecipient
}

// Executor applies a Policy to operations.
type Executor struct {
	op     string
	policy Policy
	log    zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// Option customises an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(e *Executor) { e.random = fn }
}

// NewExecutor creates an Executor for the named operation.
func NewExecutor(op string, p Policy, log zerolog.Logger, opts ...Option) *Executor {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.OverloadJitter < p.Jitter {
		p.OverloadJitter = p.Jitter
	}
	e := &Executor{
		op:     op,
		policy: p,
		log:    log,
		sleep:  Sleep,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, a non-retryable error occurs, or the attempt
// budget is spent.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error), classify Classifier) (T, error) {
	var zero T
	var lastErr error
	var lastKind Kind
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &Failure{Op: e.op, Kind: NonRetryable, Attempts: attempt, Err: err}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		c := classify(err)
		lastErr, lastKind = err, c.Kind
		metrics.RetryAttempts.WithLabelValues(e.op, c.Kind.String()).Inc()

		if !c.Kind.Retryable() {
			return zero, &Failure{Op: e.op, Kind: c.Kind, Attempts: attempt + 1, Err: err}
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}
		delay := e.Delay(attempt, c)
		e.log.Warn().
			Str("op", e.op).
			Str("kind", c.Kind.String()).
			Int("attempt", attempt+1).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("delay", delay).
			Err(err).
			Msg("retrying upstream call")
		if err := e.sleep(ctx, delay); err != nil {
			return zero, &Failure{Op: e.op, Kind: NonRetryable, Attempts: attempt + 1, Err: err}
		}
	}
	e.log.Error().Str("op", e.op).Int("attempts", e.policy.MaxAttempts).Err(lastErr).Msg("retry attempts exhausted")
	return zero, &Failure{Op: e.op, Kind: lastKind, Attempts: e.policy.MaxAttempts, Exhausted: true, Err: lastErr}
}

// Delay is the wait after the failed attempt with zero-based index attempt:
// BaseDelay*2^attempt plus uniform jitter, raised to any server-communicated
// wait (capped by MaxWait).
func (e *Executor) Delay(attempt int, c Classification) time.Duration {
	window := e.policy.Jitter
	if c.Kind == Overloaded {
		window = e.policy.OverloadJitter
	}
	d := e.policy.BaseDelay << uint(attempt)
	if window > 0 {
		d += time.Duration(e.random() * float64(window))
	}
	if c.RetryAfter > 0 {
		wait := c.RetryAfter + time.Second
		if e.policy.MaxWait > 0 && wait > e.policy.MaxWait {
			wait = e.policy.MaxWait
		}
		if wait > d {
			d = wait
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
