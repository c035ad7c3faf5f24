package telegram

import "encoding/json"

// Chat actions shown while the agent is "busy".
const (
	ActionTyping      = "typing"
	ActionRecordVoice = "record_voice"
)

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64      `json:"message_id"`
	Date      int64      `json:"date,omitempty"`
	Chat      *Chat      `json:"chat,omitempty"`
	From      *User      `json:"from,omitempty"`
	ReplyTo   *Message   `json:"reply_to_message,omitempty"`
	Text      string     `json:"text,omitempty"`
	Caption   string     `json:"caption,omitempty"`
	Voice     *File      `json:"voice,omitempty"`
	Audio     *File      `json:"audio,omitempty"`
	VideoNote *File      `json:"video_note,omitempty"`
	Sticker   *Sticker   `json:"sticker,omitempty"`
	Animation *File      `json:"animation,omitempty"`
	Photo     []PhotoRef `json:"photo,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

// Private reports whether the chat is a one-to-one conversation.
func (c *Chat) Private() bool { return c != nil && c.Type == "private" }

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

type Sticker struct {
	FileID string `json:"file_id"`
	Emoji  string `json:"emoji,omitempty"`
}

type PhotoRef struct {
	FileID string `json:"file_id"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type envelope struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}
