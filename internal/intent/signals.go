package intent

import (
	"regexp"
	"strings"

	"lead-agent/internal/domain"
)

// Markers the generative engine embeds in its replies.
const (
	MarkerApplication   = "[APPLICATION_RECEIVED]"
	markerApplicationRU = "[ЗАЯВКА_ПОЛУЧЕНА]"
	MarkerVoice         = "[VOICE]"
	markerVoiceRU       = "[ГОЛОС]"
)

// Requests for a voice note or audio. They also guard call-agreement
// detection: "send me a voice message" is not agreement to a call.
var voiceWords = []string{"голосов", "войс", "voice", "аудио", "голосом", "audio"}

var voiceRequestPhrases = append([]string{
	"запиши голос", "скажи голосом", "дай голос", "отправь голос", "скажи вслух",
	"говори", "послушать тебя", "хочу услышать",
	"say it out loud", "want to hear you", "record a message",
}, voiceWords...)

var callSignals = []string{
	"давай звонок", "давай созвон", "давай позвон",
	"запиши на звонок", "запиши на консультацию", "записаться на звонок",
	"готов поговорить", "готов к звонку",
	"можно звонок", "хочу звонок", "хочу созвон",
	"когда звонок", "когда созвон",
	"давай на звонке",
	"начать работу", "начнём работать", "начнем работать",
	"оставлю данные", "оставить данные",
	"let's call", "lets call", "schedule a call", "book a call",
	"i'm ready", "sign me up", "ready to talk", "call me",
}

var textOnlyPhrases = []string{
	"пиши текстом", "не надо голосовых", "текстом пожалуйста", "лучше текстом",
	"не отправляй голосовые", "без голосовых", "только текст", "пиши пожалуйста",
	"text only", "no voice", "text please",
}

var moreVoicePhrases = []string{
	"голосом", "отправляй голосовые", "лучше голосом", "голосовые лучше",
	"говори голосом", "записывай голосовые", "больше голосовых",
	"voice please", "send voice", "more voice",
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// DetectCallAgreement reports whether the recipient agreed to a call. Only
// the inbound text is matched. Inbound text that asks for voice or audio
// never counts, and neither does a turn the agent answers with a voice
// marker, since both mean the recipient wants a recording rather than a call.
func DetectCallAgreement(userText, agentReply string) bool {
	user := strings.ToLower(userText)
	if containsAny(user, voiceWords) {
		return false
	}
	if HasVoiceMarker(agentReply) {
		return false
	}
	return containsAny(user, callSignals)
}

// DetectVoiceRequest reports whether the recipient asked to hear a voice note.
func DetectVoiceRequest(text string) bool {
	return containsAny(strings.ToLower(text), voiceRequestPhrases)
}

// DetectPreference returns the delivery mode the recipient asked for, and
// false when the text states no preference. Text-only phrases win.
func DetectPreference(text string) (domain.VoiceMode, bool) {
	t := strings.ToLower(text)
	if containsAny(t, textOnlyPhrases) {
		return domain.VoiceModeTextOnly, true
	}
	if containsAny(t, moreVoicePhrases) {
		return domain.VoiceModeMoreVoice, true
	}
	return domain.VoiceModeDefault, false
}

// HasApplicationMarker reports whether a reply carries the capture marker.
func HasApplicationMarker(reply string) bool {
	return strings.Contains(reply, MarkerApplication) || strings.Contains(reply, markerApplicationRU)
}

// StripApplicationMarker removes the capture marker from a reply.
func StripApplicationMarker(reply string) string {
	reply = strings.ReplaceAll(reply, MarkerApplication, "")
	reply = strings.ReplaceAll(reply, markerApplicationRU, "")
	return strings.TrimSpace(reply)
}

// HasVoiceMarker reports whether a reply asks to be delivered as voice.
func HasVoiceMarker(reply string) bool {
	return strings.Contains(reply, MarkerVoice) || strings.Contains(reply, markerVoiceRU)
}

// StripVoiceMarker removes the voice marker and reports whether it was set.
func StripVoiceMarker(reply string) (string, bool) {
	if !HasVoiceMarker(reply) {
		return reply, false
	}
	reply = strings.ReplaceAll(reply, MarkerVoice, "")
	reply = strings.ReplaceAll(reply, markerVoiceRU, "")
	return strings.TrimSpace(reply), true
}

var (
	tmeLink     = regexp.MustCompile(`(?:https?://)?t\.me/([a-zA-Z0-9_]+)`)
	atMention   = regexp.MustCompile(`@([a-zA-Z0-9_]+)`)
	recipientID = regexp.MustCompile(`ID:\s*(\d+)`)
)

// ExtractUsername finds a t.me link or @mention and returns the lowercased
// username.
func ExtractUsername(text string) (string, bool) {
	if m := tmeLink.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), true
	}
	if m := atMention.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// ExtractRecipientID finds an "ID: <n>" reference in operator-facing text.
func ExtractRecipientID(text string) (string, bool) {
	if m := recipientID.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}
