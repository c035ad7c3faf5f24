package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(p Policy, random float64, rec *recordedSleeps) *Executor {
	return NewExecutor("test", p, zerolog.Nop(),
		WithSleep(rec.sleep),
		WithRandom(func() float64 { return random }),
	)
}

func always(kind Kind) Classifier {
	return func(error) Classification { return Classification{Kind: kind} }
}

func TestDo_SucceedsWithinBudget(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Jitter: time.Second}
	for _, random := range []float64{0, 0.5, 0.999} {
		rec := &recordedSleeps{}
		e := newTestExecutor(p, random, rec)

		calls := 0
		out, err := Do(context.Background(), e, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("boom")
			}
			return "ok", nil
		}, always(TransientServer))

		require.NoError(t, err)
		require.Equal(t, "ok", out)
		require.Equal(t, 3, calls)
		require.Len(t, rec.delays, 2)
		for i, d := range rec.delays {
			lower := p.BaseDelay << uint(i)
			require.GreaterOrEqual(t, d, lower)
			require.LessOrEqual(t, d, lower+p.Jitter)
		}
	}
}

func TestDo_ExhaustsExactlyMaxAttempts(t *testing.T) {
	rec := &recordedSleeps{}
	e := newTestExecutor(Policy{MaxAttempts: 4, BaseDelay: time.Second}, 0, rec)

	calls := 0
	_, err := Do(context.Background(), e, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("rate limited")
	}, always(RateLimited))

	require.Equal(t, 4, calls)
	require.Len(t, rec.delays, 3, "no sleep after the final attempt")

	var f *Failure
	require.ErrorAs(t, err, &f)
	require.True(t, f.Exhausted)
	require.Equal(t, 4, f.Attempts)
	require.Equal(t, RateLimited, f.Kind)
}

func TestDo_AbortsImmediately(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
	}{
		{name: "non retryable", kind: NonRetryable},
		{name: "terminal recipient", kind: TerminalRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordedSleeps{}
			e := newTestExecutor(Policy{MaxAttempts: 5}, 0, rec)
			cause := errors.New("bad request")

			calls := 0
			_, err := Do(context.Background(), e, func(context.Context) (int, error) {
				calls++
				return 0, cause
			}, always(tt.kind))

			require.Equal(t, 1, calls)
			require.Empty(t, rec.delays)
			require.ErrorIs(t, err, cause)
			require.Equal(t, tt.kind == TerminalRecipient, IsTerminal(err))

			var f *Failure
			require.ErrorAs(t, err, &f)
			require.False(t, f.Exhausted)
		})
	}
}

func TestDelay_OverloadUsesWiderJitter(t *testing.T) {
	e := newTestExecutor(Policy{BaseDelay: 2 * time.Second, Jitter: time.Second, OverloadJitter: 2 * time.Second}, 0.5, &recordedSleeps{})
	require.Equal(t, 2500*time.Millisecond, e.Delay(0, Classification{Kind: TransientServer}))
	require.Equal(t, 3*time.Second, e.Delay(0, Classification{Kind: Overloaded}))
	require.Equal(t, 9*time.Second, e.Delay(2, Classification{Kind: Overloaded}))
}

func TestDelay_RetryAfterIsCapped(t *testing.T) {
	e := newTestExecutor(Policy{BaseDelay: time.Second, MaxWait: 60 * time.Second}, 0, &recordedSleeps{})
	require.Equal(t, 11*time.Second, e.Delay(0, Classification{Kind: RateLimited, RetryAfter: 10 * time.Second}))
	require.Equal(t, 60*time.Second, e.Delay(0, Classification{Kind: RateLimited, RetryAfter: 600 * time.Second}))
	require.Equal(t, 8*time.Second, e.Delay(3, Classification{Kind: RateLimited, RetryAfter: time.Second}))
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor("test", Policy{MaxAttempts: 3, BaseDelay: time.Hour}, zerolog.Nop())

	calls := 0
	_, err := Do(ctx, e, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("flaky")
	}, always(TransientServer))

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}
