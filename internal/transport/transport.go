// Package transport defines the failure model of the outbound chat channel
// and maps it onto retry classifications.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"lead-agent/internal/domain"
	"lead-agent/internal/retry"
)

// ErrorKind is the transport-level failure category.
type ErrorKind int

const (
	// Transient covers 5xx responses and connection failures.
	Transient ErrorKind = iota
	// FloodWait carries a server-communicated minimum wait.
	FloodWait
	// RecipientUnreachable is terminal for the recipient.
	RecipientUnreachable
	// Rejected is a request the server will never accept.
	Rejected
)

func (k ErrorKind) String() string {
	switch k {
	case FloodWait:
		return "flood_wait"
	case RecipientUnreachable:
		return "recipient_unreachable"
	case Rejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Error is returned by transport clients.
type Error struct {
	Kind       ErrorKind
	Code       int
	RetryAfter time.Duration
	Reason     string
	// Status is the lead status implied by a RecipientUnreachable error.
	Status domain.LeadStatus
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("transport: %s", e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d)", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// unreachableReasons maps fragments of server error descriptions to the
// terminal status they imply. Order matters: the first match wins.
var unreachableReasons = []struct {
	fragment string
	status   domain.LeadStatus
}{
	{"blocked", domain.StatusClientBlocked},
	{"deactivated", domain.StatusChatDeleted},
	{"chat not found", domain.StatusChatDeleted},
	{"peer_id_invalid", domain.StatusChatDeleted},
	{"user not found", domain.StatusChatDeleted},
	{"can't initiate conversation", domain.StatusChatDeleted},
	{"not enough rights", domain.StatusChatDeleted},
	{"have no rights", domain.StatusChatDeleted},
	{"write forbidden", domain.StatusChatDeleted},
}

// UnreachableStatus reports whether description names a condition under
// which the recipient can no longer be reached.
func UnreachableStatus(description string) (domain.LeadStatus, bool) {
	d := strings.ToLower(description)
	for _, r := range unreachableReasons {
		if strings.Contains(d, r.fragment) {
			return r.status, true
		}
	}
	return "", false
}

// Classify is the retry classifier for transport sends.
func Classify(err error) retry.Classification {
	if err == nil {
		return retry.Classification{Kind: retry.NonRetryable}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Classification{Kind: retry.NonRetryable}
	}
	var te *Error
	if errors.As(err, &te) {
		switch te.Kind {
		case FloodWait:
			return retry.Classification{Kind: retry.RateLimited, RetryAfter: te.RetryAfter}
		case RecipientUnreachable:
			return retry.Classification{Kind: retry.TerminalRecipient}
		case Rejected:
			return retry.Classification{Kind: retry.NonRetryable}
		default:
			return retry.Classification{Kind: retry.TransientServer}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Classification{Kind: retry.TransientServer}
	}
	return retry.Classification{Kind: retry.NonRetryable}
}
