package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
	"lead-agent/internal/integrations/telegram"
	"lead-agent/internal/operator"
	"lead-agent/internal/ratelimit"
)

const (
	groupID = int64(-100)
	botID   = int64(999)
)

type fakeSource struct {
	batches [][]telegram.Update
	audio   []byte
	dlErr   error
	offsets []int64
}

func (f *fakeSource) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]telegram.Update, int64, error) {
	f.offsets = append(f.offsets, offset)
	if len(f.batches) == 0 {
		<-ctx.Done()
		return nil, offset, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, offset + int64(len(b)), nil
}

func (f *fakeSource) Download(context.Context, string) ([]byte, error) { return f.audio, f.dlErr }

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(context.Context, []byte, string) (string, error) { return f.text, f.err }

type fakeBatcher struct {
	mu        sync.Mutex
	fragments []string
}

func (f *fakeBatcher) OnFragment(_ domain.Recipient, fragment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragments = append(f.fragments, fragment)
}

type fakeVoice struct {
	mu          sync.Mutex
	transcripts []string
}

func (f *fakeVoice) ProcessVoice(_ context.Context, _ domain.Recipient, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, transcript)
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	blocked   map[int64]bool
	statuses  map[int64]domain.LeadStatus
	usernames map[string]int64
}

func (f *fakeStore) RememberUsername(_ context.Context, name string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usernames[name] = id
	return nil
}

func (f *fakeStore) IsBlocked(id int64) bool { return f.blocked[id] }

func (f *fakeStore) Status(id int64) domain.LeadStatus {
	if st, ok := f.statuses[id]; ok {
		return st
	}
	return domain.StatusActive
}

type fakeLimits struct{ over map[int64]bool }

func (f fakeLimits) Check(id int64) error {
	if f.over[id] {
		return ratelimit.ErrRecipientLimit
	}
	return nil
}

type fakeDesk struct {
	mu       sync.Mutex
	messages []operator.GroupMessage
}

func (f *fakeDesk) HandleGroupMessage(_ context.Context, m operator.GroupMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

type env struct {
	router *Router
	source *fakeSource
	batch  *fakeBatcher
	voice  *fakeVoice
	store  *fakeStore
	desk   *fakeDesk
}

func newEnv(t *testing.T, stt Transcriber, limits fakeLimits) *env {
	t.Helper()
	e := &env{
		source: &fakeSource{audio: []byte("ogg")},
		batch:  &fakeBatcher{},
		voice:  &fakeVoice{},
		store:  &fakeStore{blocked: map[int64]bool{}, statuses: map[int64]domain.LeadStatus{}, usernames: map[string]int64{}},
		desk:   &fakeDesk{},
	}
	r, err := NewRouter(Config{
		OperatorChatID: groupID,
		BotID:          botID,
		Blacklist:      []int64{13},
		Fragments:      Fragments{Sticker: "[sticker]", Photo: "[photo]", Voice: "[voice]"},
	}, e.source, stt, e.batch, e.voice, e.store, limits, e.desk, zerolog.Nop())
	require.NoError(t, err)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	e.router = r
	return e
}

func private(id int64, m telegram.Message) telegram.Update {
	m.Chat = &telegram.Chat{ID: id, Type: "private"}
	if m.From == nil {
		m.From = &telegram.User{ID: id, Username: "alice"}
	}
	return telegram.Update{Message: &m}
}

func TestDispatch_PrivateMessages(t *testing.T) {
	e := newEnv(t, fakeSTT{}, fakeLimits{})
	ctx := context.Background()

	e.router.Dispatch(ctx, private(7, telegram.Message{Text: "hello"}))
	e.router.Dispatch(ctx, private(7, telegram.Message{Sticker: &telegram.Sticker{FileID: "s"}}))
	e.router.Dispatch(ctx, private(7, telegram.Message{Photo: []telegram.PhotoRef{{FileID: "p"}}, Caption: "my car"}))
	e.router.Dispatch(ctx, private(7, telegram.Message{}))
	e.router.wg.Wait()

	require.Equal(t, []string{"hello", "[sticker]", "[photo] my car"}, e.batch.fragments)
	require.Equal(t, int64(7), e.store.usernames["alice"])
}

func TestDispatch_DropsFilteredRecipients(t *testing.T) {
	e := newEnv(t, fakeSTT{}, fakeLimits{over: map[int64]bool{9: true}})
	e.store.blocked[8] = true
	e.store.statuses[10] = domain.StatusChatDeleted
	ctx := context.Background()

	for _, id := range []int64{8, 9, 10, 13} {
		e.router.Dispatch(ctx, private(id, telegram.Message{Text: "hi"}))
	}
	e.router.Dispatch(ctx, private(11, telegram.Message{Text: "hi", From: &telegram.User{ID: 11, IsBot: true}}))
	require.Empty(t, e.batch.fragments)
	require.Empty(t, e.store.usernames)
}

func TestDispatch_VoiceIsHandledImmediately(t *testing.T) {
	e := newEnv(t, fakeSTT{text: "how much is it"}, fakeLimits{})
	e.router.Dispatch(context.Background(), private(7, telegram.Message{Voice: &telegram.File{FileID: "v"}}))
	e.router.wg.Wait()

	require.Equal(t, []string{"how much is it"}, e.voice.transcripts)
	require.Empty(t, e.batch.fragments)
}

func TestDispatch_UntranscribedVoiceBecomesFragment(t *testing.T) {
	e := newEnv(t, fakeSTT{err: errors.New("stt down")}, fakeLimits{})
	e.router.Dispatch(context.Background(), private(7, telegram.Message{Audio: &telegram.File{FileID: "a"}}))
	e.router.wg.Wait()

	require.Empty(t, e.voice.transcripts)
	require.Equal(t, []string{"[voice]"}, e.batch.fragments)

	e = newEnv(t, nil, fakeLimits{})
	e.router.Dispatch(context.Background(), private(7, telegram.Message{VideoNote: &telegram.File{FileID: "n"}}))
	e.router.wg.Wait()
	require.Equal(t, []string{"[voice]"}, e.batch.fragments)
}

func group(m telegram.Message) telegram.Update {
	m.Chat = &telegram.Chat{ID: groupID, Type: "supergroup"}
	m.From = &telegram.User{ID: 1, Username: "manager"}
	return telegram.Update{Message: &m}
}

func TestDispatch_OperatorChannel(t *testing.T) {
	e := newEnv(t, fakeSTT{}, fakeLimits{})
	ctx := context.Background()

	ownCard := &telegram.Message{MessageID: 50, Text: "New application\nClient: @alice (ID: 7)", From: &telegram.User{ID: botID}}
	someoneElse := &telegram.Message{MessageID: 51, Text: "lunch?", From: &telegram.User{ID: 2}}

	e.router.Dispatch(ctx, group(telegram.Message{MessageID: 60, Text: "push the discount", ReplyTo: ownCard}))
	e.router.Dispatch(ctx, group(telegram.Message{MessageID: 61, Text: "sure", ReplyTo: someoneElse}))
	e.router.Dispatch(ctx, group(telegram.Message{MessageID: 62, Text: "!status 7"}))
	e.router.Dispatch(ctx, group(telegram.Message{MessageID: 63, Text: "good morning"}))
	e.router.wg.Wait()

	require.Len(t, e.desk.messages, 2)
	byID := map[int64]operator.GroupMessage{}
	for _, m := range e.desk.messages {
		byID[m.MessageID] = m
	}
	require.Equal(t, int64(50), byID[60].ReplyToID)
	require.Contains(t, byID[60].ReplyToText, "ID: 7")
	require.Equal(t, "!status 7", byID[62].Text)
}

func TestRun_AdvancesOffsetAndStops(t *testing.T) {
	e := newEnv(t, fakeSTT{}, fakeLimits{})
	e.source.batches = [][]telegram.Update{
		{private(7, telegram.Message{Text: "a"}), private(7, telegram.Message{Text: "b"})},
		{private(7, telegram.Message{Text: "c"})},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.router.Run(ctx) }()

	require.Eventually(t, func() bool {
		e.batch.mu.Lock()
		defer e.batch.mu.Unlock()
		return len(e.batch.fragments) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, []int64{0, 2, 3}, e.source.offsets)
}

func TestNewRouter_Validates(t *testing.T) {
	_, err := NewRouter(Config{}, nil, nil, &fakeBatcher{}, &fakeVoice{}, &fakeStore{}, fakeLimits{}, &fakeDesk{}, zerolog.Nop())
	require.Error(t, err)
}
