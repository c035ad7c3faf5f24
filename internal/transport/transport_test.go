package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
	"lead-agent/internal/retry"
)

func TestUnreachableStatus(t *testing.T) {
	cases := []struct {
		desc   string
		status domain.LeadStatus
		ok     bool
	}{
		{"Forbidden: bot was blocked by the user", domain.StatusClientBlocked, true},
		{"Forbidden: user is deactivated", domain.StatusChatDeleted, true},
		{"Bad Request: chat not found", domain.StatusChatDeleted, true},
		{"PEER_ID_INVALID", domain.StatusChatDeleted, true},
		{"Forbidden: bot can't initiate conversation with a user", domain.StatusChatDeleted, true},
		{"Bad Request: message is too long", "", false},
	}
	for _, tc := range cases {
		st, ok := UnreachableStatus(tc.desc)
		require.Equal(t, tc.ok, ok, tc.desc)
		require.Equal(t, tc.status, st, tc.desc)
	}
}

func TestClassify(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", &Error{Kind: FloodWait, RetryAfter: 7 * time.Second})
	c := Classify(wrapped)
	require.Equal(t, retry.RateLimited, c.Kind)
	require.Equal(t, 7*time.Second, c.RetryAfter)

	require.Equal(t, retry.TerminalRecipient, Classify(&Error{Kind: RecipientUnreachable}).Kind)
	require.Equal(t, retry.NonRetryable, Classify(&Error{Kind: Rejected, Code: 400}).Kind)
	require.Equal(t, retry.TransientServer, Classify(&Error{Kind: Transient, Code: 502}).Kind)
	require.Equal(t, retry.TransientServer, Classify(&net.OpError{Op: "dial", Err: errors.New("refused")}).Kind)
	require.Equal(t, retry.NonRetryable, Classify(context.Canceled).Kind)
	require.Equal(t, retry.NonRetryable, Classify(errors.New("odd")).Kind)
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: RecipientUnreachable, Code: 403, Reason: "Forbidden: bot was blocked by the user"}
	require.Equal(t, "transport: recipient_unreachable (403): Forbidden: bot was blocked by the user", err.Error())
}
