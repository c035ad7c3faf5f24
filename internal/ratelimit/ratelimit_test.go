package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
)

var msk = time.FixedZone("UTC+3", 3*3600)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

type memCounters struct {
	saved domain.DailyCounters
	ok    bool
	saves int
}

func (m *memCounters) LoadCounters() (domain.DailyCounters, bool) { return m.saved, m.ok }

func (m *memCounters) SaveCounters(_ context.Context, c domain.DailyCounters) error {
	m.saved, m.ok = c, true
	m.saves++
	return nil
}

func TestNewLimiter_Validates(t *testing.T) {
	_, err := NewLimiter(0, 1, msk, zerolog.Nop())
	require.Error(t, err)
	_, err = NewLimiter(1, 1, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestLimiter_EnforcesGlobalAndRecipientLimits(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, msk)}
	l, err := NewLimiter(3, 2, msk, zerolog.Nop(), WithClock(clock.now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Check(1))
	require.NoError(t, l.Increment(ctx, 1))
	require.NoError(t, l.Increment(ctx, 1))
	require.ErrorIs(t, l.Check(1), ErrRecipientLimit)
	require.NoError(t, l.Check(2))

	require.NoError(t, l.Increment(ctx, 2))
	require.ErrorIs(t, l.Check(3), ErrDailyLimit)
}

func TestLimiter_ResetsOnceOnRollover(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 23, 59, 0, 0, msk)}
	store := &memCounters{}
	l, err := NewLimiter(2, 1, msk, zerolog.Nop(), WithClock(clock.now), WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Increment(ctx, 1))
	require.NoError(t, l.Increment(ctx, 2))
	require.ErrorIs(t, l.Check(1), ErrDailyLimit)

	// 21:30 UTC is already the next day in the reference zone.
	clock.t = time.Date(2026, 5, 1, 21, 30, 0, 0, time.UTC)
	require.NoError(t, l.Check(1))
	require.NoError(t, l.Increment(ctx, 1))
	global, mine := l.Usage(1)
	require.Equal(t, 1, global)
	require.Equal(t, 1, mine)

	// Further checks on the same day do not reset again.
	require.ErrorIs(t, l.Check(1), ErrRecipientLimit)
	require.Equal(t, "2026-05-02", store.saved.Day)
}

func TestLimiter_RestoresTodaysCountersOnly(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, msk)}
	store := &memCounters{ok: true, saved: domain.DailyCounters{Day: "2026-05-01", Global: 5, PerUser: map[string]int{"7": 2}}}
	l, err := NewLimiter(10, 2, msk, zerolog.Nop(), WithClock(clock.now), WithStore(store))
	require.NoError(t, err)
	require.ErrorIs(t, l.Check(7), ErrRecipientLimit)

	store.saved.Day = "2026-04-30"
	l, err = NewLimiter(10, 2, msk, zerolog.Nop(), WithClock(clock.now), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, l.Check(7))
}

func TestQuietHours_Window(t *testing.T) {
	clock := &fakeClock{}
	q, err := NewQuietHours(23, 7, msk, clock.now)
	require.NoError(t, err)

	tests := []struct {
		hour int
		want bool
	}{
		{hour: 22, want: false},
		{hour: 23, want: true},
		{hour: 0, want: true},
		{hour: 6, want: true},
		{hour: 7, want: false},
		{hour: 14, want: false},
	}
	for _, tt := range tests {
		clock.t = time.Date(2026, 5, 1, tt.hour, 30, 0, 0, msk)
		require.Equal(t, tt.want, q.Active(), "hour %d", tt.hour)
	}
}

func TestQuietHours_ActiveForCountry(t *testing.T) {
	// 12:00 in the reference zone is 09:00 UTC and 04:00 in New York.
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, msk)}
	q, err := NewQuietHours(23, 7, msk, clock.now)
	require.NoError(t, err)

	require.False(t, q.Active())
	require.True(t, q.ActiveFor("USA"))
	require.False(t, q.ActiveFor("Germany"))
	require.False(t, q.ActiveFor("Atlantis"))
	require.False(t, q.ActiveFor(""))
}

func TestNewQuietHours_Validates(t *testing.T) {
	_, err := NewQuietHours(24, 7, msk, nil)
	require.Error(t, err)
	_, err = NewQuietHours(23, 7, nil, nil)
	require.Error(t, err)
}

func TestCountryOffset(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{in: "Россия, Москва", want: 3, wantOK: true},
		{in: "Russia", want: 3, wantOK: true},
		{in: "Los Angeles, USA", want: -8, wantOK: true},
		{in: "us", want: -5, wantOK: true},
		{in: "Australia", want: 10, wantOK: true},
		{in: "UK", want: 0, wantOK: true},
		{in: "Крым", wantOK: false},
		{in: "Narnia", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := CountryOffset(tt.in)
		require.Equal(t, tt.wantOK, ok, tt.in)
		if tt.wantOK {
			require.Equal(t, tt.want, got, tt.in)
		}
	}
}
