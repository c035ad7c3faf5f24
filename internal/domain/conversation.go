package domain

// Role tags the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is a single persisted conversation message.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Recipient identifies the end user on the other side of a conversation.
// Username and FirstName are informational and may be empty.
type Recipient struct {
	ID        int64
	Username  string
	FirstName string
}

// Handle returns "@username" or "N/A" for operator-facing messages.
func (r Recipient) Handle() string {
	if r.Username == "" {
		return "N/A"
	}
	return "@" + r.Username
}

// LastTurnBy reports whether the final turn of history was authored by role.
func LastTurnBy(history []Turn, role Role) bool {
	if len(history) == 0 {
		return false
	}
	return history[len(history)-1].Role == role
}

// TrimHistory keeps at most max of the most recent turns.
func TrimHistory(history []Turn, max int) []Turn {
	if max <= 0 || len(history) <= max {
		return history
	}
	return append([]Turn(nil), history[len(history)-max:]...)
}

// FollowUpRecord is the re-engagement bookkeeping for one recipient.
// LastActivity is kept as text so that records written by older versions (or
// edited by hand) are parsed leniently instead of failing the whole document.
type FollowUpRecord struct {
	LastActivity string `json:"last_activity"`
	Attempts     int    `json:"attempts"`
	Completed    bool   `json:"completed"`
}

// VoiceMode is a recipient's stated preference for voice notes.
type VoiceMode string

const (
	VoiceModeDefault   VoiceMode = ""
	VoiceModeTextOnly  VoiceMode = "text_only"
	VoiceModeMoreVoice VoiceMode = "more_voice"
)

// Preference holds per-recipient delivery preferences.
type Preference struct {
	Mode    VoiceMode `json:"mode,omitempty"`
	Ratio   float64   `json:"ratio,omitempty"`
	Country string    `json:"country,omitempty"`
}

// Application is the structured contact data captured during a conversation.
type Application struct {
	Name     string `json:"name" validate:"required,min=2,hasletter"`
	Phone    string `json:"phone" validate:"required,phonedigits"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Country  string `json:"country,omitempty"`
	CallTime string `json:"call_time,omitempty"`
}
