package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lead-agent/internal/delivery"
	"lead-agent/internal/domain"
	"lead-agent/internal/intent"
	"lead-agent/internal/metrics"
)

// Engine produces the reply for one inbound turn.
type Engine interface {
	HandleTurn(ctx context.Context, r domain.Recipient, text string) TurnResult
}

type PreferenceStore interface {
	UpdatePreference(ctx context.Context, id int64, fn func(p domain.Preference) domain.Preference) error
}

type LeadMarker interface {
	MarkDataCollected(ctx context.Context, id int64) error
}

type Deliverer interface {
	Deliver(ctx context.Context, r domain.Recipient, text string, opts delivery.Options) error
}

// Desk is the operator side the agent reports to.
type Desk interface {
	NotifyCallAgreed(ctx context.Context, r domain.Recipient, text string)
	ForwardApplication(ctx context.Context, r domain.Recipient, rawReply string) error
}

// ActivityTracker keeps follow-up records in step with the conversation.
type ActivityTracker interface {
	Inbound(ctx context.Context, id int64) error
	Outbound(ctx context.Context, id int64) error
}

// Recorder receives processing outcomes for the health document.
type Recorder interface {
	MessageProcessed()
	RecordError()
}

type nopRecorder struct{}

func (nopRecorder) MessageProcessed() {}
func (nopRecorder) RecordError()      {}

// Agent runs the per-batch pipeline from inbound text to delivered reply.
type Agent struct {
	engine   Engine
	prefs    PreferenceStore
	leads    LeadMarker
	deliver  Deliverer
	desk     Desk
	tracker  ActivityTracker
	recorder Recorder
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type AgentOption func(*Agent)

func WithRecorder(r Recorder) AgentOption {
	return func(a *Agent) {
		if r != nil {
			a.recorder = r
		}
	}
}

func NewAgent(engine Engine, prefs PreferenceStore, lm LeadMarker, deliver Deliverer, desk Desk, tracker ActivityTracker, log zerolog.Logger, opts ...AgentOption) (*Agent, error) {
	if engine == nil {
		return nil, errors.New("usecase: engine must not be nil")
	}
	if prefs == nil {
		return nil, errors.New("usecase: preference store must not be nil")
	}
	if lm == nil {
		return nil, errors.New("usecase: lead marker must not be nil")
	}
	if deliver == nil {
		return nil, errors.New("usecase: deliverer must not be nil")
	}
	if desk == nil {
		return nil, errors.New("usecase: desk must not be nil")
	}
	if tracker == nil {
		return nil, errors.New("usecase: activity tracker must not be nil")
	}
	a := &Agent{
		engine:   engine,
		prefs:    prefs,
		leads:    lm,
		deliver:  deliver,
		desk:     desk,
		tracker:  tracker,
		recorder: nopRecorder{},
		log:      log,
		tracer:   otel.Tracer("lead-agent/usecase"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handle matches the aggregator's flush handler and logs the outcome.
func (a *Agent) Handle(ctx context.Context, r domain.Recipient, text string) {
	if err := a.ProcessBatch(ctx, r, text); err != nil {
		a.log.Warn().Err(err).Int64("recipient", r.ID).Msg("batch not completed")
	}
}

// ProcessBatch handles one aggregated text turn.
func (a *Agent) ProcessBatch(ctx context.Context, r domain.Recipient, text string) error {
	return a.process(ctx, r, text, false)
}

// ProcessVoice handles a transcribed voice note immediately, leaning the
// reply towards voice.
func (a *Agent) ProcessVoice(ctx context.Context, r domain.Recipient, transcript string) error {
	return a.process(ctx, r, transcript, true)
}

func (a *Agent) process(ctx context.Context, r domain.Recipient, text string, fromVoice bool) error {
	start := a.now()
	ctx, span := a.tracer.Start(ctx, "agent.process", trace.WithAttributes(
		attribute.Int64("recipient", r.ID), attribute.Bool("voice", fromVoice)))
	defer span.End()
	log := a.log.With().Int64("recipient", r.ID).Logger()

	if mode, ok := intent.DetectPreference(text); ok {
		err := a.prefs.UpdatePreference(ctx, r.ID, func(p domain.Preference) domain.Preference {
			p.Mode = mode
			return p
		})
		if err != nil {
			log.Error().Err(err).Msg("persist voice preference")
		} else {
			log.Info().Str("mode", string(mode)).Msg("voice preference updated")
		}
	}
	if err := a.tracker.Inbound(ctx, r.ID); err != nil {
		log.Error().Err(err).Msg("refresh follow-up record")
	}
	voiceRequested := intent.DetectVoiceRequest(text)

	res := a.engine.HandleTurn(ctx, r, text)
	if res.Degraded {
		a.recorder.RecordError()
	}
	if res.CallAgreed {
		a.desk.NotifyCallAgreed(ctx, r, text)
	}

	err := a.deliver.Deliver(ctx, r, res.Reply, delivery.Options{
		ForceVoice:  res.IsFirstTurn || voiceRequested,
		PreferVoice: fromVoice,
	})
	switch {
	case delivery.IsUnreachable(err), errors.Is(err, delivery.ErrNotContactable):
		span.SetStatus(codes.Error, "recipient unreachable")
		return fmt.Errorf("usecase: deliver reply: %w", err)
	case err != nil:
		a.recorder.RecordError()
		span.RecordError(err)
		log.Error().Err(err).Msg("reply delivery failed")
	default:
		if err := a.tracker.Outbound(ctx, r.ID); err != nil {
			log.Error().Err(err).Msg("touch follow-up record")
		}
		a.recorder.MessageProcessed()
		metrics.ResponseDuration.Observe(a.now().Sub(start).Seconds())
	}

	if res.ApplicationCaptured {
		a.captured(ctx, r, res)
	}
	if err != nil {
		return fmt.Errorf("usecase: deliver reply: %w", err)
	}
	return nil
}

func (a *Agent) captured(ctx context.Context, r domain.Recipient, res TurnResult) {
	log := a.log.With().Int64("recipient", r.ID).Logger()
	if err := a.leads.MarkDataCollected(ctx, r.ID); err != nil {
		log.Error().Err(err).Msg("mark data collected")
	}
	if res.ApplicationParsed && res.Application.Country != "" {
		err := a.prefs.UpdatePreference(ctx, r.ID, func(p domain.Preference) domain.Preference {
			p.Country = res.Application.Country
			return p
		})
		if err != nil {
			log.Error().Err(err).Msg("persist country")
		}
	}
	if err := a.desk.ForwardApplication(ctx, r, res.RawReply); err != nil {
		a.recorder.RecordError()
		log.Error().Err(err).Msg("forward application")
	}
}
