package domain

// LeadStatus is the authoritative stage of a conversation.
type LeadStatus string

const (
	StatusActive        LeadStatus = "active"
	StatusDataCollected LeadStatus = "data_collected"
	StatusBlocked       LeadStatus = "blocked"
	StatusClientBlocked LeadStatus = "client_blocked"
	StatusChatDeleted   LeadStatus = "chat_deleted"
)

// Valid reports whether s is one of the known statuses.
func (s LeadStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDataCollected, StatusBlocked, StatusClientBlocked, StatusChatDeleted:
		return true
	}
	return false
}

// Terminal reports whether the recipient can no longer be reached.
func (s LeadStatus) Terminal() bool {
	return s == StatusClientBlocked || s == StatusChatDeleted
}

// Contactable reports whether outbound messages may be sent to the recipient.
func (s LeadStatus) Contactable() bool {
	return s == StatusActive || s == StatusDataCollected || s == ""
}

// CanTransition reports whether the state machine allows from -> to.
// Unblocking (blocked -> active) is only reachable through an explicit
// operator action; callers enforce that by using the dedicated method.
func CanTransition(from, to LeadStatus) bool {
	if from == "" {
		from = StatusActive
	}
	if from == to {
		return true
	}
	switch to {
	case StatusDataCollected:
		return from == StatusActive
	case StatusBlocked, StatusClientBlocked, StatusChatDeleted:
		return from == StatusActive || from == StatusDataCollected
	case StatusActive:
		return from == StatusBlocked
	}
	return false
}
