package followup

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/delivery"
	"lead-agent/internal/domain"
	"lead-agent/internal/metrics"
	"lead-agent/internal/ratelimit"
	"lead-agent/internal/retry"
)

// Store is the state the scheduler scans.
type Store interface {
	RecordStore
	FollowUps() map[int64]domain.FollowUpRecord
	History(id int64) []domain.Turn
	Status(id int64) domain.LeadStatus
	IsBlocked(id int64) bool
	Preference(id int64) domain.Preference
	UsernameFor(id int64) string
}

// Generator writes follow-up number attempt for a recipient.
type Generator interface {
	FollowUp(ctx context.Context, id int64, attempt int) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, r domain.Recipient, text string, opts delivery.Options) error
}

type Limits interface {
	Check(recipient int64) error
}

type QuietHours interface {
	Active() bool
	ActiveFor(country string) bool
}

type Config struct {
	Delay       time.Duration
	MaxAttempts int
	Interval    time.Duration
	SpacingMin  time.Duration
	SpacingMax  time.Duration
	Location    *time.Location
}

type Scheduler struct {
	cfg     Config
	store   Store
	gen     Generator
	deliver Deliverer
	limits  Limits
	quiet   QuietHours
	log     zerolog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

func NewScheduler(cfg Config, store Store, gen Generator, deliver Deliverer, limits Limits, quiet QuietHours, log zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if store == nil || gen == nil || deliver == nil || limits == nil || quiet == nil {
		return nil, errors.New("followup: store, generator, deliverer, limits and quiet hours are required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("followup: max attempts must be positive")
	}
	if cfg.Delay <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("followup: delay and interval must be positive")
	}
	if cfg.SpacingMax < cfg.SpacingMin {
		cfg.SpacingMax = cfg.SpacingMin
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		gen:     gen,
		deliver: deliver,
		limits:  limits,
		quiet:   quiet,
		log:     log,
		now:     time.Now,
		sleep:   retry.Sleep,
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Done is the single completion predicate: a record is never selected
// again once it is completed or has used every attempt.
func (s *Scheduler) Done(rec domain.FollowUpRecord) bool {
	return rec.Completed || rec.Attempts >= s.cfg.MaxAttempts
}

// Run scans on every interval until ctx is cancelled. A panicking scan is
// logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.Interval).Dur("delay", s.cfg.Delay).Int("max_attempts", s.cfg.MaxAttempts).Msg("follow-up scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("follow-up scan panicked")
		}
	}()
	if n := s.Tick(ctx); n > 0 {
		s.log.Info().Int("sent", n).Msg("follow-ups sent")
	}
}

func (s *Scheduler) spacing() time.Duration {
	span := s.cfg.SpacingMax - s.cfg.SpacingMin
	return s.cfg.SpacingMin + time.Duration(s.random()*float64(span))
}

// Tick runs one scan and returns how many follow-ups were delivered.
func (s *Scheduler) Tick(ctx context.Context) int {
	if s.quiet.Active() {
		s.log.Debug().Msg("quiet hours, follow-ups paused")
		return 0
	}
	records := s.store.FollowUps()
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return sent
		}
		rec := records[id]
		if !s.eligible(ctx, id, rec) {
			continue
		}
		if err := s.limits.Check(id); err != nil {
			if errors.Is(err, ratelimit.ErrDailyLimit) {
				s.log.Warn().Msg("daily limit reached, follow-up scan stopped")
				return sent
			}
			continue
		}
		if sent > 0 {
			if err := s.sleep(ctx, s.spacing()); err != nil {
				return sent
			}
		}
		if s.send(ctx, id, rec) {
			sent++
		}
	}
	return sent
}

func (s *Scheduler) eligible(ctx context.Context, id int64, rec domain.FollowUpRecord) bool {
	if s.Done(rec) {
		return false
	}
	log := s.log.With().Int64("recipient", id).Logger()

	status := s.store.Status(id)
	if status.Terminal() {
		s.complete(ctx, id, "recipient unreachable")
		return false
	}
	if status == domain.StatusBlocked || s.store.IsBlocked(id) {
		return false
	}
	if country := s.store.Preference(id).Country; country != "" && s.quiet.ActiveFor(country) {
		return false
	}
	if !domain.LastTurnBy(s.store.History(id), domain.RoleAgent) {
		return false
	}
	last, err := ParseTimestamp(rec.LastActivity, s.cfg.Location)
	if err != nil {
		log.Warn().Err(err).Msg("skipping follow-up record")
		return false
	}
	return s.now().Sub(last) >= s.cfg.Delay
}

func (s *Scheduler) send(ctx context.Context, id int64, rec domain.FollowUpRecord) bool {
	log := s.log.With().Int64("recipient", id).Int("attempt", rec.Attempts+1).Logger()
	attempt := rec.Attempts + 1

	text, err := s.gen.FollowUp(ctx, id, attempt)
	if err != nil {
		metrics.FollowUps.WithLabelValues("generation_failed").Inc()
		log.Error().Err(err).Msg("follow-up generation failed")
		return false
	}
	r := domain.Recipient{ID: id, Username: s.store.UsernameFor(id)}
	err = s.deliver.Deliver(ctx, r, text, delivery.Options{})
	if delivery.IsUnreachable(err) {
		metrics.FollowUps.WithLabelValues("unreachable").Inc()
		s.complete(ctx, id, "unreachable during follow-up")
		return false
	}
	if err != nil {
		metrics.FollowUps.WithLabelValues("delivery_failed").Inc()
		log.Error().Err(err).Msg("follow-up delivery failed")
		return false
	}

	stamp := s.now().Format(time.RFC3339)
	_, err = s.store.UpdateFollowUp(ctx, id, func(cur domain.FollowUpRecord, ok bool) domain.FollowUpRecord {
		if !ok || cur.LastActivity != rec.LastActivity || cur.Attempts != rec.Attempts {
			// The recipient wrote meanwhile; their fresh record stands.
			cur.LastActivity = stamp
			return cur
		}
		cur.Attempts = attempt
		cur.LastActivity = stamp
		cur.Completed = cur.Attempts >= s.cfg.MaxAttempts
		return cur
	})
	if err != nil {
		log.Error().Err(err).Msg("persist follow-up record")
	}
	metrics.FollowUps.WithLabelValues("sent").Inc()
	log.Info().Msg("follow-up sent")
	return true
}

func (s *Scheduler) complete(ctx context.Context, id int64, reason string) {
	_, err := s.store.UpdateFollowUp(ctx, id, func(cur domain.FollowUpRecord, _ bool) domain.FollowUpRecord {
		cur.Completed = true
		return cur
	})
	if err != nil {
		s.log.Error().Err(err).Int64("recipient", id).Msg("complete follow-up record")
		return
	}
	s.log.Info().Int64("recipient", id).Str("reason", reason).Msg("follow-up record completed")
}
