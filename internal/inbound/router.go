// Package inbound polls the chat transport and routes every update to the
// aggregator, the voice path or the operator desk.
package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/domain"
	"lead-agent/internal/integrations/telegram"
	"lead-agent/internal/metrics"
	"lead-agent/internal/operator"
	"lead-agent/internal/retry"
)

const (
	defaultPollTimeout = 30 * time.Second
	pollErrorBackoff   = 3 * time.Second
)

// Source is the long-poll side of the transport.
type Source interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Batcher receives text fragments for aggregation.
type Batcher interface {
	OnFragment(r domain.Recipient, fragment string)
}

type VoiceHandler interface {
	ProcessVoice(ctx context.Context, r domain.Recipient, transcript string) error
}

type Store interface {
	RememberUsername(ctx context.Context, username string, id int64) error
	IsBlocked(id int64) bool
	Status(id int64) domain.LeadStatus
}

type Limits interface {
	Check(recipient int64) error
}

type Operator interface {
	HandleGroupMessage(ctx context.Context, m operator.GroupMessage) error
}

// Fragments are the synthetic turns used for non-text messages.
type Fragments struct {
	Sticker string
	Photo   string
	Voice   string
}

type Config struct {
	OperatorChatID int64
	// BotID limits operator replies to messages the agent itself posted.
	BotID       int64
	Blacklist   []int64
	PollTimeout time.Duration
	Fragments   Fragments
}

type Router struct {
	cfg       Config
	blacklist map[int64]bool
	source    Source
	stt       Transcriber
	batch     Batcher
	voice     VoiceHandler
	store     Store
	limits    Limits
	desk      Operator
	log       zerolog.Logger

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRouter(cfg Config, source Source, stt Transcriber, batch Batcher, voice VoiceHandler, store Store, limits Limits, desk Operator, log zerolog.Logger) (*Router, error) {
	if source == nil || batch == nil || voice == nil || store == nil || limits == nil || desk == nil {
		return nil, errors.New("inbound: source, batcher, voice handler, store, limits and desk are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bl := make(map[int64]bool, len(cfg.Blacklist))
	for _, id := range cfg.Blacklist {
		bl[id] = true
	}
	return &Router{
		cfg:       cfg,
		blacklist: bl,
		source:    source,
		stt:       stt,
		batch:     batch,
		voice:     voice,
		store:     store,
		limits:    limits,
		desk:      desk,
		log:       log.With().Str("component", "inbound").Logger(),
		sleep:     retry.Sleep,
	}, nil
}

// Run long-polls until ctx is cancelled and waits for in-flight handlers.
func (r *Router) Run(ctx context.Context) error {
	defer r.wg.Wait()
	var offset int64
	r.log.Info().Dur("poll_timeout", r.cfg.PollTimeout).Msg("inbound polling started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, next, err := r.source.GetUpdates(ctx, offset, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Msg("poll updates failed")
			if err := r.sleep(ctx, pollErrorBackoff); err != nil {
				return err
			}
			continue
		}
		offset = next
		for _, u := range updates {
			r.Dispatch(ctx, u)
		}
	}
}

func (r *Router) spawn(ctx context.Context, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Interface("panic", rec).Msg("update handler panicked")
			}
		}()
		fn(ctx)
	}()
}

// Dispatch routes one update. Slow paths run in their own goroutine.
func (r *Router) Dispatch(ctx context.Context, u telegram.Update) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return
	}
	if m.Chat.Private() {
		r.private(ctx, m)
		return
	}
	if m.Chat.ID == r.cfg.OperatorChatID && r.cfg.OperatorChatID != 0 {
		r.group(ctx, m)
	}
}

func (r *Router) drop(id int64, reason string) {
	metrics.InboundMessages.WithLabelValues("dropped_" + reason).Inc()
	r.log.Debug().Int64("recipient", id).Str("reason", reason).Msg("inbound message dropped")
}

func (r *Router) private(ctx context.Context, m *telegram.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	id := m.Chat.ID
	switch {
	case r.blacklist[id]:
		r.drop(id, "blacklisted")
		return
	case r.store.IsBlocked(id) || !r.store.Status(id).Contactable():
		r.drop(id, "blocked")
		return
	}
	if err := r.limits.Check(id); err != nil {
		r.drop(id, "limited")
		return
	}
	if m.From.Username != "" {
		if err := r.store.RememberUsername(ctx, m.From.Username, id); err != nil {
			r.log.Error().Err(err).Int64("recipient", id).Msg("remember username")
		}
	}
	rcp := domain.Recipient{ID: id, Username: m.From.Username, FirstName: m.From.FirstName}

	switch {
	case m.Voice != nil || m.Audio != nil || m.VideoNote != nil:
		metrics.InboundMessages.WithLabelValues("voice").Inc()
		file := m.Voice
		if file == nil {
			file = m.Audio
		}
		if file == nil {
			file = m.VideoNote
		}
		r.spawn(ctx, func(ctx context.Context) { r.handleVoice(ctx, rcp, file.FileID) })
	case m.Sticker != nil || m.Animation != nil:
		metrics.InboundMessages.WithLabelValues("sticker").Inc()
		r.batch.OnFragment(rcp, r.cfg.Fragments.Sticker)
	case len(m.Photo) > 0:
		metrics.InboundMessages.WithLabelValues("photo").Inc()
		r.batch.OnFragment(rcp, joinNonEmpty(r.cfg.Fragments.Photo, m.Caption))
	case strings.TrimSpace(m.Text) != "":
		metrics.InboundMessages.WithLabelValues("text").Inc()
		r.batch.OnFragment(rcp, m.Text)
	}
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// handleVoice transcribes the note and answers immediately. Without a
// transcript the note becomes a synthetic fragment in the normal batch.
func (r *Router) handleVoice(ctx context.Context, rcp domain.Recipient, fileID string) {
	log := r.log.With().Int64("recipient", rcp.ID).Logger()
	transcript, err := r.transcribe(ctx, fileID)
	if err != nil || strings.TrimSpace(transcript) == "" {
		if err != nil {
			log.Warn().Err(err).Msg("voice transcription failed")
		}
		r.batch.OnFragment(rcp, r.cfg.Fragments.Voice)
		return
	}
	if err := r.voice.ProcessVoice(ctx, rcp, transcript); err != nil {
		log.Warn().Err(err).Msg("voice turn not completed")
	}
}

func (r *Router) transcribe(ctx context.Context, fileID string) (string, error) {
	if r.stt == nil {
		return "", errors.New("inbound: transcription is not configured")
	}
	audio, err := r.source.Download(ctx, fileID)
	if err != nil {
		return "", err
	}
	return r.stt.Transcribe(ctx, audio, "voice.ogg")
}

func (r *Router) group(ctx context.Context, m *telegram.Message) {
	if m.From != nil && m.From.IsBot {
		return
	}
	gm := operator.GroupMessage{MessageID: m.MessageID, Text: m.Text}
	if gm.Text == "" {
		gm.Text = m.Caption
	}
	if reply := m.ReplyTo; reply != nil {
		fromAgent := r.cfg.BotID == 0 || (reply.From != nil && reply.From.ID == r.cfg.BotID)
		if fromAgent {
			gm.ReplyToID = reply.MessageID
			gm.ReplyToText = joinNonEmpty(reply.Text, reply.Caption)
		}
	}
	if gm.ReplyToID == 0 && !strings.HasPrefix(strings.TrimSpace(gm.Text), "!") {
		return
	}
	metrics.InboundMessages.WithLabelValues("operator").Inc()
	r.spawn(ctx, func(ctx context.Context) {
		if err := r.desk.HandleGroupMessage(ctx, gm); err != nil {
			r.log.Warn().Err(err).Int64("message", gm.MessageID).Msg("operator message failed")
		}
	})
}
