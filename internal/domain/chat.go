package domain

// ChatMessage is the provider-agnostic chat message shape passed to the
// generative engine.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is one call to the generative engine: a system context
// followed by the conversation window it should continue.
type GenerationRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float32
}

// TurnsToMessages converts stored turns to the chat shape understood by the
// generative engine. Agent turns map to the "assistant" role.
func TurnsToMessages(turns []Turn) []ChatMessage {
	out := make([]ChatMessage, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == RoleAgent {
			role = "assistant"
		}
		out = append(out, ChatMessage{Role: role, Content: t.Content})
	}
	return out
}
