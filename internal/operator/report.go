package operator

import (
	"fmt"
	"strings"

	"lead-agent/internal/domain"
	"lead-agent/internal/repository"
)

const (
	reportTurns     = 6
	reportTurnChars = 80
)

var contactHints = []string{"phone", "number", "телефон", "номер", "contact", "контакт"}

// Stage is a human label for where the conversation stands.
func Stage(rec repository.LeadRecord) string {
	switch {
	case rec.Status == domain.StatusBlocked || rec.Blocked:
		return "blocked by operator"
	case rec.Status == domain.StatusClientBlocked:
		return "client blocked the bot"
	case rec.Status == domain.StatusChatDeleted:
		return "chat deleted"
	case rec.Status == domain.StatusDataCollected:
		return "data collected"
	case len(rec.History) == 0:
		return "new"
	case len(rec.History) <= 2:
		return "opening"
	}
	for i := len(rec.History) - 1; i >= 0 && i >= len(rec.History)-4; i-- {
		t := rec.History[i]
		if t.Role != domain.RoleAgent {
			continue
		}
		lower := strings.ToLower(t.Content)
		for _, h := range contactHints {
			if strings.Contains(lower, h) {
				return "collecting contacts"
			}
		}
	}
	return "in progress"
}

func truncateRunes(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// FormatReport renders a lead status report. temperature may be empty when
// it was not computed.
func FormatReport(rec repository.LeadRecord, username, temperature string, maxAttempts int) string {
	var b strings.Builder
	handle := domain.Recipient{ID: rec.RecipientID, Username: username}.Handle()
	fmt.Fprintf(&b, "Lead %s (ID: %d)\n", handle, rec.RecipientID)
	fmt.Fprintf(&b, "Stage: %s\n", Stage(rec))
	if temperature != "" {
		fmt.Fprintf(&b, "Temperature: %s\n", temperature)
	}

	var fromUser, fromAgent int
	for _, t := range rec.History {
		if t.Role == domain.RoleAgent {
			fromAgent++
		} else {
			fromUser++
		}
	}
	fmt.Fprintf(&b, "Messages: %d from client, %d from agent\n", fromUser, fromAgent)

	if rec.HasFollowUp {
		state := "active"
		if rec.FollowUp.Completed {
			state = "completed"
		}
		fmt.Fprintf(&b, "Follow-ups: %d/%d (%s)\n", rec.FollowUp.Attempts, maxAttempts, state)
	}
	if rec.Preference.Mode != domain.VoiceModeDefault {
		fmt.Fprintf(&b, "Voice preference: %s\n", rec.Preference.Mode)
	}
	if rec.Preference.Country != "" {
		fmt.Fprintf(&b, "Country: %s\n", rec.Preference.Country)
	}

	start := len(rec.History) - reportTurns
	if start < 0 {
		start = 0
	}
	if start < len(rec.History) {
		b.WriteString("\nLast messages:\n")
	}
	for _, t := range rec.History[start:] {
		who := "Client"
		if t.Role == domain.RoleAgent {
			who = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, truncateRunes(t.Content, reportTurnChars))
	}
	return strings.TrimRight(b.String(), "\n")
}
