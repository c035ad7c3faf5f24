package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"lead-agent/internal/repository"
	"lead-agent/internal/usecase"
)

type stubReader struct {
	entries map[repository.Collection]map[string]string
	err     error
}

func (s *stubReader) Get(_ context.Context, c repository.Collection, key string) (json.RawMessage, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	raw, ok := s.entries[c][key]
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

func seededReader() *stubReader {
	return &stubReader{entries: map[repository.Collection]map[string]string{
		repository.CollectionConversations: {"7": `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`},
		repository.CollectionLeadStatus:    {"7": `"data_collected"`},
		repository.CollectionFollowUps:     {"7": `{"last_activity":"2024-05-10T12:00:00Z","attempts":1,"completed":false}`},
	}}
}

func makeEvent(id string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodGet,
		Path:           "/leads/" + id,
		PathParameters: map[string]string{"id": id},
		Headers:        map[string]string{"Accept": "application/json"},
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, 2)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	h, err := NewHandler(seededReader(), 2)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("7"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[reportResponse](t, resp.Body)
	require.Equal(t, int64(7), out.ID)
	require.Equal(t, "data_collected", out.Status)
	require.Contains(t, out.Report, "(ID: 7)")
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_InvalidID(t *testing.T) {
	h, err := NewHandler(seededReader(), 2)
	require.NoError(t, err)

	for _, id := range []string{"", "abc", "-3"} {
		resp, err := h.Handle(context.Background(), makeEvent(id))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, id)
		require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, resp.Body).Error)
	}
}

func TestHandle_RejectsWrites(t *testing.T) {
	h, err := NewHandler(seededReader(), 2)
	require.NoError(t, err)

	event := makeEvent("7")
	event.HTTPMethod = http.MethodPost
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		reader *stubReader
		status int
		code   string
	}{
		{name: "unknown lead", reader: &stubReader{}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "store failure", reader: &stubReader{err: errors.New("throttled")}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(tc.reader, 2)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent("7"))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.code, parseBody[errorResponse](t, resp.Body).Error)
		})
	}
}

func TestHandle_BlockedLeadIsKnown(t *testing.T) {
	h, err := NewHandler(&stubReader{entries: map[repository.Collection]map[string]string{
		repository.CollectionBlocked: {"9": `true`},
	}}, 2)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("9"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, parseBody[reportResponse](t, resp.Body).Report, "blocked by operator")
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(seededReader(), 2)
	require.NoError(t, err)

	event := makeEvent("7")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
