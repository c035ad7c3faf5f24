package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	vals map[string]string
	err  error
}

func (f *fakeResolver) GetParameter(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.vals[name], nil
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BOT_BASE_DIR", "/tmp/agent")
	t.Setenv("BLACKLIST_IDS", "1,2")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 200, cfg.MaxMessagesPerDay)
	require.Equal(t, 50, cfg.MaxMessagesPerUserDay)
	require.Equal(t, 20, cfg.MaxHistory)
	require.Equal(t, 3*time.Hour, cfg.FollowUpDelay)
	require.Equal(t, 3*time.Second, cfg.BatchDelay)
	require.Equal(t, []int64{1, 2}, cfg.BlacklistIDs)
	require.Equal(t, "/tmp/agent/data", cfg.DataDir())
	require.Equal(t, ":8080", cfg.Addr())

	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, cfg.Location()).Zone()
	require.Equal(t, 3*3600, offset)
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := &Config{StoreBackend: "dynamodb"}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	require.Contains(t, err.Error(), "OPENAI_API_KEY")
	require.Contains(t, err.Error(), "STATE_TABLE")

	cfg = &Config{TelegramToken: "t", OpenAIKey: "k", StoreBackend: "redis"}
	require.Error(t, cfg.Validate())

	cfg.StoreBackend = "file"
	require.NoError(t, cfg.Validate())
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{TelegramToken: "ssm:/agent/telegram", OpenAIKey: "plain"}
	require.True(t, cfg.NeedsSecrets())

	r := &fakeResolver{vals: map[string]string{"/agent/telegram": `{"token":"tg-secret"}`}}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), r))
	require.Equal(t, "tg-secret", cfg.TelegramToken)
	require.Equal(t, "plain", cfg.OpenAIKey)
	require.False(t, cfg.NeedsSecrets())
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg := &Config{OpenAIKey: "ssm:/agent/openai"}
	require.Error(t, cfg.ResolveSecrets(context.Background(), nil))

	err := cfg.ResolveSecrets(context.Background(), &fakeResolver{err: errors.New("ssm down")})
	require.ErrorContains(t, err, "ssm down")
}

func TestUnwrapToken(t *testing.T) {
	require.Equal(t, "abc", unwrapToken(" abc "))
	require.Equal(t, "abc", unwrapToken(`{"token":"abc"}`))
	require.Equal(t, `{"other":1}`, unwrapToken(`{"other":1}`))
}

type prefetchResolver struct {
	fakeResolver
	prefetched []string
}

func (p *prefetchResolver) Prefetch(_ context.Context, names ...string) error {
	p.prefetched = append(p.prefetched, names...)
	return nil
}

func TestResolveSecrets_PrefetchesReferencedNames(t *testing.T) {
	cfg := &Config{TelegramToken: "ssm:/a", OpenAIKey: "ssm:/b", ElevenLabsKey: "plain"}
	r := &prefetchResolver{fakeResolver: fakeResolver{vals: map[string]string{"/a": "1", "/b": "2"}}}
	require.NoError(t, cfg.ResolveSecrets(context.Background(), r))
	require.Equal(t, []string{"/a", "/b"}, r.prefetched)
	require.Equal(t, "1", cfg.TelegramToken)
	require.Equal(t, "2", cfg.OpenAIKey)
}
