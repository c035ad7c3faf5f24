package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
)

type fakeCompleter struct {
	resp    goopenai.ChatCompletionResponse
	err     error
	lastReq goopenai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func completion(text string) goopenai.ChatCompletionResponse {
	return goopenai.ChatCompletionResponse{Choices: []goopenai.ChatCompletionChoice{
		{Message: goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: text}},
	}}
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", "gpt-4o-mini")
	require.Error(t, err)
	_, err = NewClient("key", " ")
	require.Error(t, err)
	c, err := NewClient("key", "gpt-4o-mini", WithBaseURL("http://localhost"))
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestGenerate_SendsSystemThenHistory(t *testing.T) {
	api := &fakeCompleter{resp: completion("  Hello!  ")}
	c := newClientWithAPI(api, "gpt-4o-mini")

	out, err := c.Generate(context.Background(), domain.GenerationRequest{
		System:    "be nice",
		Messages:  []domain.ChatMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hey"}},
		MaxTokens: 300,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello!", out)
	require.Len(t, api.lastReq.Messages, 3)
	require.Equal(t, goopenai.ChatMessageRoleSystem, api.lastReq.Messages[0].Role)
	require.Equal(t, "assistant", api.lastReq.Messages[2].Role)
	require.Equal(t, 300, api.lastReq.MaxTokens)
	require.Equal(t, "gpt-4o-mini", api.lastReq.Model)
}

func TestGenerate_EmptyResponse(t *testing.T) {
	c := newClientWithAPI(&fakeCompleter{resp: completion("   ")}, "m")
	_, err := c.Generate(context.Background(), domain.GenerationRequest{System: "s"})
	require.ErrorIs(t, err, ErrEmptyResponse)

	c = newClientWithAPI(&fakeCompleter{}, "m")
	_, err = c.Generate(context.Background(), domain.GenerationRequest{System: "s"})
	require.ErrorIs(t, err, ErrEmptyResponse)

	_, err = c.Generate(context.Background(), domain.GenerationRequest{})
	require.Error(t, err)
}

func TestGenerate_WrapsAPIErrorsWithStatus(t *testing.T) {
	apiErr := &goopenai.APIError{HTTPStatusCode: 529, Message: "overloaded"}
	c := newClientWithAPI(&fakeCompleter{err: apiErr}, "m")
	_, err := c.Generate(context.Background(), domain.GenerationRequest{System: "s"})

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 529, statusErr.HTTPStatusCode())
	require.ErrorIs(t, err, apiErr)
}

func TestGenerate_PassesThroughTransportErrors(t *testing.T) {
	cause := errors.New("connection reset")
	c := newClientWithAPI(&fakeCompleter{err: cause}, "m")
	_, err := c.Generate(context.Background(), domain.GenerationRequest{System: "s"})
	require.ErrorIs(t, err, cause)
	var statusErr *HTTPStatusError
	require.False(t, errors.As(err, &statusErr))
}

func TestGenerate_AgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "slow down", "type": "rate_limit"},
		})
	}))
	defer srv.Close()

	c, err := NewClient("key", "m", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), domain.GenerationRequest{System: "s"})

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}
