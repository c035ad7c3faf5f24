// Package delivery sends replies to recipients with human pacing. A reply
// is split into at most two segments; at most one of them goes out as a
// voice note.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lead-agent/internal/domain"
	"lead-agent/internal/intent"
	"lead-agent/internal/metrics"
	"lead-agent/internal/retry"
	"lead-agent/internal/transport"
)

const (
	// SegmentSeparator splits a reply into separately delivered messages.
	SegmentSeparator = "||"
	maxSegments      = 2
	// VoiceCharLimit is the exclusive ceiling for voice-eligible segments.
	VoiceCharLimit = 500

	moreVoiceRatio   = 0.7
	presenceInterval = 4500 * time.Millisecond
	// presenceTimeout bounds one chat action call.
	presenceTimeout = 3 * time.Second

	actionTyping      = "typing"
	actionRecordVoice = "record_voice"
)

// Options tunes one delivery.
type Options struct {
	// PreferVoice raises the voice ratio for this reply unless the
	// recipient asked for text only.
	PreferVoice bool
	// ForceVoice renders the first eligible segment as voice.
	ForceVoice bool
	// ReplyTo threads the first segment under an existing message.
	ReplyTo int64
}

// Sender is the outbound chat channel.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	SendVoice(ctx context.Context, chatID int64, path string) (int64, error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// VoiceRenderer produces a temporary voice note and hands its path to send.
type VoiceRenderer interface {
	Render(ctx context.Context, text string, send func(ctx context.Context, path string) error) error
}

type Preferences interface {
	Preference(id int64) domain.Preference
}

// LeadMachine gates sends and records terminal conditions.
type LeadMachine interface {
	Status(id int64) domain.LeadStatus
	Contactable(id int64) bool
	MarkUnreachable(ctx context.Context, id int64, status domain.LeadStatus) (bool, error)
}

// Counter records successful sends against the daily limits.
type Counter interface {
	Increment(ctx context.Context, recipient int64) error
}

// Notifier tells the operator a recipient became unreachable.
type Notifier interface {
	NotifyUnreachable(ctx context.Context, r domain.Recipient, status domain.LeadStatus, reason string)
}

// ErrNotContactable is returned for recipients the operator blocked.
var ErrNotContactable = errors.New("delivery: recipient is not contactable")

// UnreachableError reports a terminal recipient condition. Callers must
// skip any bookkeeping that assumes the reply arrived.
type UnreachableError struct {
	RecipientID int64
	Status      domain.LeadStatus
	Reason      string
	Err         error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("delivery: recipient %d unreachable (%s): %s", e.RecipientID, e.Status, e.Reason)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err carries an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

type Pipeline struct {
	sender       Sender
	voice        VoiceRenderer
	prefs        Preferences
	leads        LeadMachine
	counter      Counter
	exec         *retry.Executor
	defaultRatio float64
	log          zerolog.Logger
	tracer       trace.Tracer

	notifierMu sync.RWMutex
	notifier   Notifier

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

type Option func(*Pipeline)

// WithVoice enables voice notes.
func WithVoice(v VoiceRenderer) Option {
	return func(p *Pipeline) { p.voice = v }
}

func WithCounter(c Counter) Option {
	return func(p *Pipeline) { p.counter = c }
}

// WithSleep replaces the pacing sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// WithRandom replaces the source of pacing jitter and voice choice.
func WithRandom(fn func() float64) Option {
	return func(p *Pipeline) { p.random = fn }
}

func NewPipeline(sender Sender, prefs Preferences, leads LeadMachine, exec *retry.Executor, defaultRatio float64, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	if sender == nil {
		return nil, errors.New("delivery: sender must not be nil")
	}
	if prefs == nil {
		return nil, errors.New("delivery: preferences must not be nil")
	}
	if leads == nil {
		return nil, errors.New("delivery: lead machine must not be nil")
	}
	if exec == nil {
		return nil, errors.New("delivery: retry executor must not be nil")
	}
	if defaultRatio < 0 || defaultRatio > 1 {
		return nil, fmt.Errorf("delivery: voice ratio %.2f out of range", defaultRatio)
	}
	p := &Pipeline{
		sender:       sender,
		prefs:        prefs,
		leads:        leads,
		exec:         exec,
		defaultRatio: defaultRatio,
		log:          log,
		tracer:       otel.Tracer("lead-agent/delivery"),
		sleep:        retry.Sleep,
		random:       rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetNotifier installs the operator notifier. The notifier usually depends
// on the pipeline, so it is wired after construction.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifierMu.Lock()
	p.notifier = n
	p.notifierMu.Unlock()
}

// Split breaks text on SegmentSeparator, dropping empty pieces and
// anything past the second segment.
func Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, SegmentSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
		if len(out) == maxSegments {
			break
		}
	}
	return out
}

// Deliver sends text to r. It returns an *UnreachableError when the
// recipient can no longer be reached.
func (p *Pipeline) Deliver(ctx context.Context, r domain.Recipient, text string, opts Options) error {
	ctx, span := p.tracer.Start(ctx, "delivery.deliver", trace.WithAttributes(attribute.Int64("recipient", r.ID)))
	defer span.End()

	if st := p.leads.Status(r.ID); st.Terminal() {
		return &UnreachableError{RecipientID: r.ID, Status: st, Reason: "already unreachable"}
	}
	if !p.leads.Contactable(r.ID) {
		return ErrNotContactable
	}

	text, marked := intent.StripVoiceMarker(text)
	segments := Split(text)
	if len(segments) == 0 {
		return nil
	}
	voiceIdx := p.chooseVoice(r.ID, segments, opts.ForceVoice || marked, opts.PreferVoice)
	span.SetAttributes(attribute.Int("segments", len(segments)), attribute.Int("voice_segment", voiceIdx))

	for i, seg := range segments {
		if i > 0 {
			if err := p.sleep(ctx, p.between()); err != nil {
				return err
			}
		}
		replyTo := int64(0)
		if i == 0 {
			replyTo = opts.ReplyTo
		}
		var err error
		if i == voiceIdx {
			err = p.sendVoice(ctx, r, seg, replyTo)
		} else {
			err = p.sendText(ctx, r, seg, replyTo)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
			return err
		}
	}
	return nil
}

// ratio is the probability that a reply carries a voice segment.
func (p *Pipeline) ratio(pref domain.Preference, preferVoice bool) float64 {
	switch pref.Mode {
	case domain.VoiceModeTextOnly:
		return 0
	case domain.VoiceModeMoreVoice:
		return moreVoiceRatio
	}
	ratio := p.defaultRatio
	if pref.Ratio > 0 {
		ratio = pref.Ratio
	}
	if preferVoice && ratio < moreVoiceRatio {
		ratio = moreVoiceRatio
	}
	return ratio
}

// chooseVoice returns the index of the segment to voice, or -1.
func (p *Pipeline) chooseVoice(id int64, segments []string, force, preferVoice bool) int {
	if p.voice == nil {
		return -1
	}
	var eligible []int
	for i, s := range segments {
		if len([]rune(s)) < VoiceCharLimit {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return -1
	}
	if force {
		return eligible[0]
	}
	ratio := p.ratio(p.prefs.Preference(id), preferVoice)
	if ratio <= 0 || p.random() >= ratio {
		return -1
	}
	pick := int(p.random() * float64(len(eligible)))
	if pick >= len(eligible) {
		pick = len(eligible) - 1
	}
	return eligible[pick]
}

func (p *Pipeline) sendText(ctx context.Context, r domain.Recipient, text string, replyTo int64) error {
	if err := p.pace(ctx, r.ID, actionTyping, p.typingDelay(text)); err != nil {
		return err
	}
	return p.send(ctx, r, "text", func(ctx context.Context) (int64, error) {
		return p.sender.SendText(ctx, r.ID, text, replyTo)
	})
}

// sendVoice renders and sends a voice note. Failures before anything was
// handed to the transport fall back to text.
func (p *Pipeline) sendVoice(ctx context.Context, r domain.Recipient, text string, replyTo int64) error {
	handedOff := false
	err := p.voice.Render(ctx, text, func(ctx context.Context, path string) error {
		handedOff = true
		if err := p.pace(ctx, r.ID, actionRecordVoice, p.recordingDelay()); err != nil {
			return err
		}
		return p.send(ctx, r, "voice", func(ctx context.Context) (int64, error) {
			return p.sender.SendVoice(ctx, r.ID, path)
		})
	})
	if err == nil || handedOff {
		return err
	}
	metrics.OutboundSends.WithLabelValues("voice", "fallback").Inc()
	p.log.Warn().Err(err).Int64("recipient", r.ID).Msg("voice unavailable, sending text")
	return p.sendText(ctx, r, text, replyTo)
}

func (p *Pipeline) send(ctx context.Context, r domain.Recipient, format string, fn func(ctx context.Context) (int64, error)) error {
	_, err := retry.Do(ctx, p.exec, fn, transport.Classify)
	if err == nil {
		metrics.OutboundSends.WithLabelValues(format, "ok").Inc()
		if p.counter != nil {
			if cerr := p.counter.Increment(ctx, r.ID); cerr != nil {
				p.log.Error().Err(cerr).Int64("recipient", r.ID).Msg("persist daily counters")
			}
		}
		return nil
	}
	metrics.OutboundSends.WithLabelValues(format, "error").Inc()

	var te *transport.Error
	if retry.IsTerminal(err) && errors.As(err, &te) {
		return p.unreachable(ctx, r, te, err)
	}
	return fmt.Errorf("delivery: send %s: %w", format, err)
}

func (p *Pipeline) unreachable(ctx context.Context, r domain.Recipient, te *transport.Error, err error) error {
	status := te.Status
	if !status.Terminal() {
		status = domain.StatusChatDeleted
	}
	ue := &UnreachableError{RecipientID: r.ID, Status: status, Reason: te.Reason, Err: err}

	changed, merr := p.leads.MarkUnreachable(ctx, r.ID, status)
	if merr != nil {
		p.log.Error().Err(merr).Int64("recipient", r.ID).Msg("record unreachable status")
		return ue
	}
	if !changed {
		return ue
	}
	metrics.UnreachableRecipients.WithLabelValues(string(status)).Inc()
	p.notifierMu.RLock()
	n := p.notifier
	p.notifierMu.RUnlock()
	if n != nil {
		n.NotifyUnreachable(ctx, r, status, te.Reason)
	}
	return ue
}

// pace waits d while keeping the presence indicator alive. An in-flight
// chat action is cancelled as soon as the wait ends.
func (p *Pipeline) pace(ctx context.Context, chatID int64, action string, d time.Duration) error {
	presenceCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(presenceInterval)
		defer ticker.Stop()
		for {
			callCtx, cancel := context.WithTimeout(presenceCtx, presenceTimeout)
			err := p.sender.SendChatAction(callCtx, chatID, action)
			cancel()
			if err != nil && presenceCtx.Err() == nil {
				p.log.Debug().Err(err).Int64("recipient", chatID).Msg("chat action failed")
			}
			select {
			case <-presenceCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	err := p.sleep(ctx, d)
	stop()
	<-done
	return err
}

func (p *Pipeline) uniform(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(p.random()*float64(hi-lo))
}

// typingDelay grows with the text length in four bands.
func (p *Pipeline) typingDelay(text string) time.Duration {
	n := len([]rune(text))
	switch {
	case n < 50:
		return p.uniform(1500*time.Millisecond, 3*time.Second)
	case n < 150:
		return p.uniform(3*time.Second, 5*time.Second)
	case n < 300:
		return p.uniform(5*time.Second, 8*time.Second)
	default:
		return p.uniform(7*time.Second, 12*time.Second)
	}
}

func (p *Pipeline) recordingDelay() time.Duration {
	return p.uniform(time.Second, 2500*time.Millisecond)
}

func (p *Pipeline) between() time.Duration {
	return p.uniform(2*time.Second, 4*time.Second)
}
