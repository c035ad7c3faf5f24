package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
	"lead-agent/internal/retry"
	"lead-agent/internal/transport"
)

type sent struct {
	kind    string
	payload string
	replyTo int64
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	actions []string
	errs    []error // consumed per send attempt
	calls   int
}

func (f *fakeSender) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) SendText(_ context.Context, _ int64, text string, replyTo int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return 0, err
	}
	f.sent = append(f.sent, sent{kind: "text", payload: text, replyTo: replyTo})
	return int64(len(f.sent)), nil
}

func (f *fakeSender) SendVoice(_ context.Context, _ int64, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return 0, err
	}
	f.sent = append(f.sent, sent{kind: "voice", payload: path})
	return int64(len(f.sent)), nil
}

func (f *fakeSender) SendChatAction(_ context.Context, _ int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

type fakeVoice struct {
	err      error
	rendered []string
}

func (f *fakeVoice) Render(ctx context.Context, text string, send func(ctx context.Context, path string) error) error {
	if f.err != nil {
		return f.err
	}
	f.rendered = append(f.rendered, text)
	return send(ctx, "/tmp/voice.ogg")
}

type fakePrefs map[int64]domain.Preference

func (f fakePrefs) Preference(id int64) domain.Preference { return f[id] }

type fakeLeads struct {
	mu       sync.Mutex
	statuses map[int64]domain.LeadStatus
	blocked  map[int64]bool
}

func newFakeLeads() *fakeLeads {
	return &fakeLeads{statuses: map[int64]domain.LeadStatus{}, blocked: map[int64]bool{}}
}

func (f *fakeLeads) Status(id int64) domain.LeadStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[id]; ok {
		return st
	}
	return domain.StatusActive
}

func (f *fakeLeads) Contactable(id int64) bool {
	return f.Status(id).Contactable() && !f.blocked[id]
}

func (f *fakeLeads) MarkUnreachable(_ context.Context, id int64, status domain.LeadStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id].Terminal() {
		return false, nil
	}
	f.statuses[id] = status
	return true, nil
}

type fakeCounter struct{ n int }

func (f *fakeCounter) Increment(context.Context, int64) error {
	f.n++
	return nil
}

type fakeNotifier struct {
	calls  int
	status domain.LeadStatus
}

func (f *fakeNotifier) NotifyUnreachable(_ context.Context, _ domain.Recipient, status domain.LeadStatus, _ string) {
	f.calls++
	f.status = status
}

type harness struct {
	p        *Pipeline
	sender   *fakeSender
	leads    *fakeLeads
	counter  *fakeCounter
	notifier *fakeNotifier
	sleeps   []time.Duration
}

func newHarness(t *testing.T, voice VoiceRenderer, prefs fakePrefs, random float64) *harness {
	t.Helper()
	h := &harness{sender: &fakeSender{}, leads: newFakeLeads(), counter: &fakeCounter{}, notifier: &fakeNotifier{}}
	exec := retry.NewExecutor("send", retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		zerolog.Nop(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	opts := []Option{
		WithCounter(h.counter),
		WithRandom(func() float64 { return random }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	}
	if voice != nil {
		opts = append(opts, WithVoice(voice))
	}
	if prefs == nil {
		prefs = fakePrefs{}
	}
	p, err := NewPipeline(h.sender, prefs, h.leads, exec, 0.25, zerolog.Nop(), opts...)
	require.NoError(t, err)
	p.SetNotifier(h.notifier)
	h.p = p
	return h
}

var alice = domain.Recipient{ID: 7, Username: "alice"}

func TestSplit(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, Split("a || b || c"))
	require.Equal(t, []string{"x"}, Split("||x||"))
	require.Nil(t, Split("  "))
}

func TestDeliver_TwoTextSegmentsWithPacing(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	require.NoError(t, h.p.Deliver(context.Background(), alice, "Hi there || How can I help?", Options{ReplyTo: 11}))
	require.Equal(t, []sent{
		{kind: "text", payload: "Hi there", replyTo: 11},
		{kind: "text", payload: "How can I help?"},
	}, h.sender.sent)
	require.Equal(t, 2, h.counter.n)
	// typing, pause between segments, typing
	require.Equal(t, []time.Duration{1500 * time.Millisecond, 2 * time.Second, 1500 * time.Millisecond}, h.sleeps)
	require.Equal(t, []string{actionTyping, actionTyping}, h.sender.actions)
}

func TestDeliver_ForceVoiceUsesFirstSegment(t *testing.T) {
	voice := &fakeVoice{}
	h := newHarness(t, voice, nil, 0.99)

	require.NoError(t, h.p.Deliver(context.Background(), alice, "first || second", Options{ForceVoice: true}))
	require.Equal(t, []string{"first"}, voice.rendered)
	require.Equal(t, "voice", h.sender.sent[0].kind)
	require.Equal(t, "text", h.sender.sent[1].kind)
	require.Equal(t, actionRecordVoice, h.sender.actions[0])
}

func TestDeliver_VoiceMarkerForcesVoiceAndIsStripped(t *testing.T) {
	voice := &fakeVoice{}
	h := newHarness(t, voice, nil, 0.99)

	require.NoError(t, h.p.Deliver(context.Background(), alice, "[VOICE] Hello!", Options{}))
	require.Equal(t, []string{"Hello!"}, voice.rendered)
	require.Len(t, h.sender.sent, 1)
}

func TestDeliver_LongSegmentIsNeverVoiced(t *testing.T) {
	voice := &fakeVoice{}
	h := newHarness(t, voice, nil, 0)
	text := strings.Repeat("a", VoiceCharLimit)

	require.NoError(t, h.p.Deliver(context.Background(), alice, text, Options{ForceVoice: true}))
	require.Empty(t, voice.rendered)
	require.Equal(t, "text", h.sender.sent[0].kind)
}

func TestDeliver_VoicePreferences(t *testing.T) {
	voice := &fakeVoice{}
	prefs := fakePrefs{
		1: {Mode: domain.VoiceModeTextOnly},
		2: {Mode: domain.VoiceModeMoreVoice},
	}
	// 0.5 is above the default ratio but below the more-voice ratio.
	h := newHarness(t, voice, prefs, 0.5)

	require.NoError(t, h.p.Deliver(context.Background(), domain.Recipient{ID: 1}, "hi", Options{}))
	require.NoError(t, h.p.Deliver(context.Background(), domain.Recipient{ID: 3}, "hi", Options{}))
	require.Empty(t, voice.rendered)

	require.NoError(t, h.p.Deliver(context.Background(), domain.Recipient{ID: 2}, "hi", Options{}))
	require.NoError(t, h.p.Deliver(context.Background(), domain.Recipient{ID: 3}, "hey", Options{PreferVoice: true}))
	require.Equal(t, []string{"hi", "hey"}, voice.rendered)
}

func TestDeliver_VoiceFailureFallsBackToText(t *testing.T) {
	voice := &fakeVoice{err: errors.New("synth down")}
	h := newHarness(t, voice, nil, 0)

	require.NoError(t, h.p.Deliver(context.Background(), alice, "hello", Options{ForceVoice: true}))
	require.Equal(t, []sent{{kind: "text", payload: "hello"}}, h.sender.sent)
}

func TestDeliver_TerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	h.sender.errs = []error{&transport.Error{
		Kind:   transport.RecipientUnreachable,
		Code:   403,
		Reason: "Forbidden: bot was blocked by the user",
		Status: domain.StatusClientBlocked,
	}}

	err := h.p.Deliver(context.Background(), alice, "one || two", Options{})
	require.True(t, IsUnreachable(err))
	var ue *UnreachableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, domain.StatusClientBlocked, ue.Status)
	require.Equal(t, 1, h.sender.calls, "terminal errors must not be retried")
	require.Empty(t, h.sender.sent)
	require.Equal(t, domain.StatusClientBlocked, h.leads.Status(alice.ID))
	require.Equal(t, 1, h.notifier.calls)
	require.Zero(t, h.counter.n)

	// Later deliveries short-circuit without another notification.
	err = h.p.Deliver(context.Background(), alice, "again", Options{})
	require.True(t, IsUnreachable(err))
	require.Equal(t, 1, h.sender.calls)
	require.Equal(t, 1, h.notifier.calls)
}

func TestDeliver_FloodWaitIsRetried(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	h.sender.errs = []error{&transport.Error{Kind: transport.FloodWait, RetryAfter: time.Second}}

	require.NoError(t, h.p.Deliver(context.Background(), alice, "hi", Options{}))
	require.Equal(t, 2, h.sender.calls)
	require.Len(t, h.sender.sent, 1)
}

func TestDeliver_ExhaustedTransientError(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	boom := &transport.Error{Kind: transport.Transient, Code: 502}
	h.sender.errs = []error{boom, boom, boom}

	err := h.p.Deliver(context.Background(), alice, "hi", Options{})
	require.Error(t, err)
	require.False(t, IsUnreachable(err))
	require.Equal(t, 3, h.sender.calls)
	require.Zero(t, h.notifier.calls)
}

func TestDeliver_OperatorBlocked(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	h.leads.blocked[alice.ID] = true
	require.ErrorIs(t, h.p.Deliver(context.Background(), alice, "hi", Options{}), ErrNotContactable)
	require.Zero(t, h.sender.calls)
}

// stuckPresenceSender never answers chat actions until their context ends.
type stuckPresenceSender struct {
	*fakeSender
	cancelled chan struct{}
}

func (f *stuckPresenceSender) SendChatAction(ctx context.Context, _ int64, _ string) error {
	<-ctx.Done()
	f.cancelled <- struct{}{}
	return ctx.Err()
}

func TestDeliver_DoesNotWaitForSlowPresence(t *testing.T) {
	sender := &stuckPresenceSender{fakeSender: &fakeSender{}, cancelled: make(chan struct{}, 4)}
	exec := retry.NewExecutor("send", retry.Policy{MaxAttempts: 1}, zerolog.Nop())
	p, err := NewPipeline(sender, fakePrefs{}, newFakeLeads(), exec, 0, zerolog.Nop(),
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Deliver(context.Background(), alice, "hi", Options{}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on the presence indicator")
	}
	require.Len(t, sender.sent, 1)
	require.Len(t, sender.cancelled, 1)
}

func TestTypingDelayBands(t *testing.T) {
	h := newHarness(t, nil, nil, 0.999)
	short := h.p.typingDelay("hi")
	require.True(t, short >= 1500*time.Millisecond && short < 3*time.Second)

	long := h.p.typingDelay(strings.Repeat("b", 400))
	require.True(t, long >= 7*time.Second && long < 12*time.Second)
}

func TestNewPipeline_Validates(t *testing.T) {
	exec := retry.NewExecutor("send", retry.Policy{}, zerolog.Nop())
	_, err := NewPipeline(nil, fakePrefs{}, newFakeLeads(), exec, 0.25, zerolog.Nop())
	require.Error(t, err)
	_, err = NewPipeline(&fakeSender{}, fakePrefs{}, newFakeLeads(), exec, 1.5, zerolog.Nop())
	require.Error(t, err)
}
