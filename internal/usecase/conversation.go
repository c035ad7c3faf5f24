package usecase

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lead-agent/internal/domain"
	"lead-agent/internal/intent"
	"lead-agent/internal/metrics"
	"lead-agent/internal/prompts"
	"lead-agent/internal/retry"
)

const defaultLanguageCacheSize = 4096

// Generator is the generative engine.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (string, error)
}

// ConversationStore is the part of the durable store the engine writes.
type ConversationStore interface {
	History(id int64) []domain.Turn
	HasHistory(id int64) bool
	AppendTurns(ctx context.Context, id int64, turns ...domain.Turn) ([]domain.Turn, error)
	Status(id int64) domain.LeadStatus
}

// ContextSource supplies an optional live snippet appended to the system
// prompt. Errors are logged and the snippet is skipped.
type ContextSource interface {
	Snippet(ctx context.Context) (string, error)
}

// TurnResult is the outcome of one handled turn. Reply is always usable.
type TurnResult struct {
	Reply               string
	RawReply            string
	IsFirstTurn         bool
	ApplicationCaptured bool
	Application         domain.Application
	ApplicationParsed   bool
	CallAgreed          bool
	// Degraded is set when Reply is the fallback stand-in.
	Degraded bool
}

// ConversationService turns inbound text into agent replies.
type ConversationService struct {
	gen     Generator
	store   ConversationStore
	prompts *prompts.Catalogue
	exec    *retry.Executor
	log     zerolog.Logger
	tracer  trace.Tracer

	defaultLanguage string
	snippets        ContextSource
	languages       *lru.Cache

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Option func(*ConversationService)

// WithDefaultLanguage sets the language that needs no extra instruction.
func WithDefaultLanguage(lang string) Option {
	return func(s *ConversationService) {
		if l := strings.ToLower(strings.TrimSpace(lang)); l != "" {
			s.defaultLanguage = l
		}
	}
}

func WithContextSource(src ContextSource) Option {
	return func(s *ConversationService) { s.snippets = src }
}

// WithRand fixes the source used to pick opening templates.
func WithRand(rnd *rand.Rand) Option {
	return func(s *ConversationService) { s.rnd = rnd }
}

func NewConversationService(gen Generator, store ConversationStore, cat *prompts.Catalogue, exec *retry.Executor, log zerolog.Logger, opts ...Option) (*ConversationService, error) {
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if cat == nil {
		return nil, errors.New("usecase: prompt catalogue must not be nil")
	}
	if exec == nil {
		return nil, errors.New("usecase: retry executor must not be nil")
	}
	cache, err := lru.New(defaultLanguageCacheSize)
	if err != nil {
		return nil, err
	}
	s := &ConversationService{
		gen:             gen,
		store:           store,
		prompts:         cat,
		exec:            exec,
		log:             log,
		tracer:          otel.Tracer("lead-agent/usecase"),
		defaultLanguage: intent.LanguageEnglish,
		languages:       cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ConversationService) opening() string {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.prompts.Opening(s.rnd)
}

func (s *ConversationService) generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	return retry.Do(ctx, s.exec, func(ctx context.Context) (string, error) {
		return s.gen.Generate(ctx, req)
	}, retry.ClassifyUpstream)
}

func failureKind(err error) string {
	var f *retry.Failure
	if errors.As(err, &f) {
		return f.Kind.String()
	}
	return retry.NonRetryable.String()
}

// HandleTurn appends the inbound turn, generates the reply and records it.
// A first contact gets an opening template without a generation call. On
// generation failure the fallback reply is returned and nothing is stored
// for the agent side.
func (s *ConversationService) HandleTurn(ctx context.Context, r domain.Recipient, text string) TurnResult {
	ctx, span := s.tracer.Start(ctx, "conversation.handle_turn", trace.WithAttributes(attribute.Int64("recipient", r.ID)))
	defer span.End()
	log := s.log.With().Int64("recipient", r.ID).Logger()

	if !s.store.HasHistory(r.ID) {
		opening := s.opening()
		if _, err := s.store.AppendTurns(ctx, r.ID,
			domain.Turn{Role: domain.RoleUser, Content: text},
			domain.Turn{Role: domain.RoleAgent, Content: opening},
		); err != nil {
			log.Error().Err(err).Msg("persist opening turn")
		}
		span.SetAttributes(attribute.Bool("first_turn", true))
		return TurnResult{Reply: opening, RawReply: opening, IsFirstTurn: true}
	}

	history, err := s.store.AppendTurns(ctx, r.ID, domain.Turn{Role: domain.RoleUser, Content: text})
	if err != nil {
		log.Error().Err(err).Msg("persist inbound turn")
		history = append(s.store.History(r.ID), domain.Turn{Role: domain.RoleUser, Content: text})
	}

	pc := promptContext{
		language:        s.Language(ctx, r.ID, text),
		defaultLanguage: s.defaultLanguage,
		historyLen:      len(history),
		status:          s.store.Status(r.ID),
	}
	if s.snippets != nil {
		snippet, err := s.snippets.Snippet(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("context snippet unavailable")
		}
		pc.snippet = snippet
	}

	raw, err := s.generate(ctx, domain.GenerationRequest{
		System:    buildSystemContext(s.prompts, pc),
		Messages:  domain.TurnsToMessages(history),
		MaxTokens: replyMaxTokens,
	})
	if err != nil {
		kind := failureKind(err)
		metrics.GenerationFailures.WithLabelValues(kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		log.Error().Err(err).Str("kind", kind).Msg("generation failed, sending fallback")
		return TurnResult{Reply: s.prompts.FallbackReply, Degraded: true}
	}

	res := TurnResult{Reply: raw, RawReply: raw}
	if intent.HasApplicationMarker(raw) {
		res.ApplicationCaptured = true
		res.Reply = intent.StripApplicationMarker(raw)
		res.Application, res.ApplicationParsed = intent.ParseApplication(raw)
	}
	res.CallAgreed = intent.DetectCallAgreement(text, raw)

	if _, err := s.store.AppendTurns(ctx, r.ID, domain.Turn{Role: domain.RoleAgent, Content: res.Reply}); err != nil {
		log.Error().Err(err).Msg("persist agent turn")
	}
	span.SetAttributes(
		attribute.Bool("application_captured", res.ApplicationCaptured),
		attribute.Bool("call_agreed", res.CallAgreed),
	)
	return res
}

// Language returns the recipient's language: the script heuristic when it
// is conclusive, then the cached value, then a generative guess. Failures
// fall back to the default language.
func (s *ConversationService) Language(ctx context.Context, id int64, text string) string {
	if lang, ok := intent.DetectLanguage(text); ok {
		s.languages.Add(id, lang)
		return lang
	}
	if v, ok := s.languages.Get(id); ok {
		return v.(string)
	}
	if strings.TrimSpace(text) == "" {
		return s.defaultLanguage
	}
	answer, err := s.generate(ctx, languageRequest(s.prompts, text))
	if err != nil {
		s.log.Debug().Err(err).Int64("recipient", id).Msg("language detection failed")
		return s.defaultLanguage
	}
	lang, ok := intent.NormalizeLanguage(answer)
	if !ok {
		return s.defaultLanguage
	}
	s.languages.Add(id, lang)
	return lang
}

// FollowUp generates re-engagement message number attempt and records it
// as an agent turn.
func (s *ConversationService) FollowUp(ctx context.Context, id int64, attempt int) (string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.follow_up", trace.WithAttributes(
		attribute.Int64("recipient", id), attribute.Int("attempt", attempt)))
	defer span.End()

	text, err := s.generate(ctx, followUpRequest(s.prompts, s.store.History(id), attempt))
	if err != nil {
		metrics.GenerationFailures.WithLabelValues(failureKind(err)).Inc()
		span.RecordError(err)
		return "", generationError("followup_generation", err)
	}
	if _, err := s.store.AppendTurns(ctx, id, domain.Turn{Role: domain.RoleAgent, Content: text}); err != nil {
		return "", newError(ErrorInternal, "history_write_error", err)
	}
	return text, nil
}

// Push generates an operator-requested message and records it as an agent
// turn.
func (s *ConversationService) Push(ctx context.Context, id int64, request string) (string, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return "", newError(ErrorInvalidInput, "empty_request", nil)
	}
	ctx, span := s.tracer.Start(ctx, "conversation.push", trace.WithAttributes(attribute.Int64("recipient", id)))
	defer span.End()

	text, err := s.generate(ctx, pushRequest(s.prompts, s.store.History(id), request))
	if err != nil {
		metrics.GenerationFailures.WithLabelValues(failureKind(err)).Inc()
		span.RecordError(err)
		return "", generationError("push_generation", err)
	}
	if _, err := s.store.AppendTurns(ctx, id, domain.Turn{Role: domain.RoleAgent, Content: text}); err != nil {
		return "", newError(ErrorInternal, "history_write_error", err)
	}
	return text, nil
}

// Temperature rates the lead. Short histories are NEW; anything the engine
// cannot answer is WARM.
func (s *ConversationService) Temperature(ctx context.Context, id int64) string {
	history := s.store.History(id)
	if len(history) < 2 {
		return TemperatureNew
	}
	answer, err := s.generate(ctx, temperatureRequest(s.prompts, history))
	if err != nil {
		s.log.Warn().Err(err).Int64("recipient", id).Msg("temperature unavailable")
		return TemperatureWarm
	}
	if label, ok := parseTemperature(answer); ok {
		return label
	}
	return TemperatureWarm
}
