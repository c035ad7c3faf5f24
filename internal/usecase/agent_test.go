package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/delivery"
	"lead-agent/internal/domain"
)

type fakeEngine struct {
	result TurnResult
	texts  []string
}

func (f *fakeEngine) HandleTurn(_ context.Context, _ domain.Recipient, text string) TurnResult {
	f.texts = append(f.texts, text)
	return f.result
}

type fakePrefs struct{ prefs map[int64]domain.Preference }

func (f *fakePrefs) UpdatePreference(_ context.Context, id int64, fn func(domain.Preference) domain.Preference) error {
	f.prefs[id] = fn(f.prefs[id])
	return nil
}

type fakeMarker struct{ collected []int64 }

func (f *fakeMarker) MarkDataCollected(_ context.Context, id int64) error {
	f.collected = append(f.collected, id)
	return nil
}

type fakeDeliverer struct {
	opts  []delivery.Options
	texts []string
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ domain.Recipient, text string, opts delivery.Options) error {
	f.opts = append(f.opts, opts)
	f.texts = append(f.texts, text)
	return f.err
}

type fakeDesk struct {
	calls     []string
	forwarded []string
}

func (f *fakeDesk) NotifyCallAgreed(_ context.Context, _ domain.Recipient, text string) {
	f.calls = append(f.calls, text)
}

func (f *fakeDesk) ForwardApplication(_ context.Context, _ domain.Recipient, raw string) error {
	f.forwarded = append(f.forwarded, raw)
	return nil
}

type fakeTracker struct{ events []string }

func (f *fakeTracker) Inbound(context.Context, int64) error {
	f.events = append(f.events, "in")
	return nil
}

func (f *fakeTracker) Outbound(context.Context, int64) error {
	f.events = append(f.events, "out")
	return nil
}

type fakeRecorder struct{ processed, errs int }

func (f *fakeRecorder) MessageProcessed() { f.processed++ }
func (f *fakeRecorder) RecordError()      { f.errs++ }

type agentEnv struct {
	agent    *Agent
	engine   *fakeEngine
	prefs    *fakePrefs
	marker   *fakeMarker
	deliver  *fakeDeliverer
	desk     *fakeDesk
	tracker  *fakeTracker
	recorder *fakeRecorder
}

func newAgentEnv(t *testing.T, result TurnResult) *agentEnv {
	t.Helper()
	e := &agentEnv{
		engine:   &fakeEngine{result: result},
		prefs:    &fakePrefs{prefs: map[int64]domain.Preference{}},
		marker:   &fakeMarker{},
		deliver:  &fakeDeliverer{},
		desk:     &fakeDesk{},
		tracker:  &fakeTracker{},
		recorder: &fakeRecorder{},
	}
	a, err := NewAgent(e.engine, e.prefs, e.marker, e.deliver, e.desk, e.tracker, zerolog.Nop(), WithRecorder(e.recorder))
	require.NoError(t, err)
	e.agent = a
	return e
}

func TestProcessBatch_FirstTurnForcesVoice(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "Hello!", IsFirstTurn: true})

	require.NoError(t, e.agent.ProcessBatch(context.Background(), bob, "hi"))
	require.Equal(t, []delivery.Options{{ForceVoice: true}}, e.deliver.opts)
	require.Equal(t, []string{"in", "out"}, e.tracker.events)
	require.Equal(t, 1, e.recorder.processed)
	require.Empty(t, e.desk.forwarded)
}

func TestProcessBatch_VoiceRequestAndPreference(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "Sure"})

	require.NoError(t, e.agent.ProcessBatch(context.Background(), bob, "send voice please"))
	require.True(t, e.deliver.opts[0].ForceVoice)
	require.Equal(t, domain.VoiceModeMoreVoice, e.prefs.prefs[bob.ID].Mode)

	require.NoError(t, e.agent.ProcessBatch(context.Background(), bob, "text only from now on"))
	require.False(t, e.deliver.opts[1].ForceVoice)
	require.Equal(t, domain.VoiceModeTextOnly, e.prefs.prefs[bob.ID].Mode)
}

func TestProcessVoice_PrefersVoice(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "Got it"})
	require.NoError(t, e.agent.ProcessVoice(context.Background(), bob, "what's the price"))
	require.Equal(t, []delivery.Options{{PreferVoice: true}}, e.deliver.opts)
}

func TestProcessBatch_CallAgreementNotifiesDesk(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "Great", CallAgreed: true})
	require.NoError(t, e.agent.ProcessBatch(context.Background(), bob, "let's call tomorrow"))
	require.Equal(t, []string{"let's call tomorrow"}, e.desk.calls)
}

func TestProcessBatch_ApplicationCapture(t *testing.T) {
	raw := "Thanks!\nName: Bob Lee\nPhone: 89991234567\nCountry: Spain\n[APPLICATION_RECEIVED]"
	e := newAgentEnv(t, TurnResult{
		Reply:               "Thanks!",
		RawReply:            raw,
		ApplicationCaptured: true,
		ApplicationParsed:   true,
		Application:         domain.Application{Name: "Bob Lee", Phone: "89991234567", Country: "Spain"},
	})

	require.NoError(t, e.agent.ProcessBatch(context.Background(), bob, "Bob Lee 89991234567 Spain"))
	require.Equal(t, []string{"Thanks!"}, e.deliver.texts)
	require.Equal(t, []int64{bob.ID}, e.marker.collected)
	require.Equal(t, "Spain", e.prefs.prefs[bob.ID].Country)
	require.Equal(t, []string{raw}, e.desk.forwarded)
}

func TestProcessBatch_UnreachableStopsPipeline(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "Thanks!", RawReply: "x", ApplicationCaptured: true})
	e.deliver.err = &delivery.UnreachableError{RecipientID: bob.ID, Status: domain.StatusClientBlocked}

	err := e.agent.ProcessBatch(context.Background(), bob, "hi")
	require.True(t, delivery.IsUnreachable(err))
	require.Equal(t, []string{"in"}, e.tracker.events, "no rearm after a terminal error")
	require.Empty(t, e.desk.forwarded)
	require.Empty(t, e.marker.collected)
	require.Zero(t, e.recorder.processed)
}

func TestProcessBatch_TransientDeliveryFailure(t *testing.T) {
	e := newAgentEnv(t, TurnResult{Reply: "hello", Degraded: true})
	e.deliver.err = errors.New("timeout")

	err := e.agent.ProcessBatch(context.Background(), bob, "hi")
	require.Error(t, err)
	require.Equal(t, 2, e.recorder.errs)
	require.Equal(t, []string{"in"}, e.tracker.events)
}

func TestNewAgent_Validates(t *testing.T) {
	_, err := NewAgent(nil, &fakePrefs{}, &fakeMarker{}, &fakeDeliverer{}, &fakeDesk{}, &fakeTracker{}, zerolog.Nop())
	require.Error(t, err)
}
