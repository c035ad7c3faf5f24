// Package ratelimit gates outbound messages by daily volume and time of day.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/domain"
)

var (
	// ErrDailyLimit means the process-wide daily budget is spent.
	ErrDailyLimit = errors.New("ratelimit: daily message limit reached")
	// ErrRecipientLimit means the recipient's daily budget is spent.
	ErrRecipientLimit = errors.New("ratelimit: recipient daily limit reached")
)

const dayLayout = "2006-01-02"

// CounterStore persists counters across restarts.
type CounterStore interface {
	LoadCounters() (domain.DailyCounters, bool)
	SaveCounters(ctx context.Context, c domain.DailyCounters) error
}

// Limiter counts messages per calendar day in a fixed reference timezone.
// Counters only grow within a day and reset exactly once when the observed
// date changes.
type Limiter struct {
	maxGlobal    int
	maxRecipient int
	loc          *time.Location
	store        CounterStore
	log          zerolog.Logger
	now          func() time.Time

	mu      sync.Mutex
	day     string
	global  int
	perUser map[int64]int
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithStore persists counters after every change.
func WithStore(s CounterStore) Option {
	return func(l *Limiter) { l.store = s }
}

// NewLimiter creates a Limiter. Persisted counters for the current day are
// restored; counters from an earlier day are discarded.
func NewLimiter(maxGlobal, maxRecipient int, loc *time.Location, log zerolog.Logger, opts ...Option) (*Limiter, error) {
	if maxGlobal <= 0 || maxRecipient <= 0 {
		return nil, errors.New("ratelimit: limits must be positive")
	}
	if loc == nil {
		return nil, errors.New("ratelimit: location must not be nil")
	}
	l := &Limiter{
		maxGlobal:    maxGlobal,
		maxRecipient: maxRecipient,
		loc:          loc,
		log:          log,
		now:          time.Now,
		perUser:      make(map[int64]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = l.today()
	if l.store != nil {
		if saved, ok := l.store.LoadCounters(); ok && saved.Day == l.day {
			l.global = saved.Global
			for k, v := range saved.PerUser {
				id, err := strconv.ParseInt(k, 10, 64)
				if err != nil {
					continue
				}
				l.perUser[id] = v
			}
		}
	}
	return l, nil
}

func (l *Limiter) today() string {
	return l.now().In(l.loc).Format(dayLayout)
}

// rollover resets the counters when the date has changed. Callers hold mu.
func (l *Limiter) rollover() bool {
	day := l.today()
	if day == l.day {
		return false
	}
	l.log.Info().Str("from", l.day).Str("to", day).Int("global", l.global).Msg("daily counters reset")
	l.day = day
	l.global = 0
	l.perUser = make(map[int64]int)
	return true
}

// Check reports whether one more message may be sent to recipient today.
func (l *Limiter) Check(recipient int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.global >= l.maxGlobal {
		return ErrDailyLimit
	}
	if l.perUser[recipient] >= l.maxRecipient {
		return ErrRecipientLimit
	}
	return nil
}

// Increment records one message to recipient.
func (l *Limiter) Increment(ctx context.Context, recipient int64) error {
	l.mu.Lock()
	l.rollover()
	l.global++
	l.perUser[recipient]++
	snap := l.snapshot()
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	return l.store.SaveCounters(ctx, snap)
}

// Usage returns today's global count and the recipient's count.
func (l *Limiter) Usage(recipient int64) (global, forRecipient int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.global, l.perUser[recipient]
}

func (l *Limiter) snapshot() domain.DailyCounters {
	c := domain.DailyCounters{Day: l.day, Global: l.global, PerUser: make(map[string]int, len(l.perUser))}
	for id, n := range l.perUser {
		c.PerUser[strconv.FormatInt(id, 10)] = n
	}
	return c
}
