package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lead-agent/internal/domain"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{text: "Привет, как дела?", want: LanguageRussian, wantOK: true},
		{text: "Привіт, як справи? Є питання", want: LanguageUkrainian, wantOK: true},
		{text: "Hello there, how much does it cost?", want: LanguageEnglish, wantOK: true},
		{text: "Hola, ¿cuánto cuesta?", wantOK: false},
		{text: "你好", wantOK: false},
		{text: "12345", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := DetectLanguage(tt.text)
		require.Equal(t, tt.wantOK, ok, tt.text)
		require.Equal(t, tt.want, got, tt.text)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	got, ok := NormalizeLanguage(" Spanish.\n")
	require.True(t, ok)
	require.Equal(t, "spanish", got)
	_, ok = NormalizeLanguage("klingon")
	require.False(t, ok)
}

func TestDetectCallAgreement(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		reply string
		want  bool
	}{
		{name: "russian agreement", user: "Хорошо, давай созвонимся завтра", want: true},
		{name: "english agreement", user: "OK let's call tomorrow", want: true},
		{name: "voice request is not a call", user: "давай звонок, но сначала пришли голосовое", want: false},
		{name: "audio request is not a call", user: "Sign me up, but send audio first", want: false},
		{name: "voice marker in reply", user: "let's call", reply: "[VOICE] sure", want: false},
		{name: "agent text alone never counts", user: "hmm", reply: "let's call", want: false},
		{name: "plain chat", user: "how much is it?", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DetectCallAgreement(tt.user, tt.reply))
		})
	}
}

func TestDetectVoiceRequest(t *testing.T) {
	require.True(t, DetectVoiceRequest("Скажи голосом пожалуйста"))
	require.True(t, DetectVoiceRequest("can you send a voice note?"))
	require.False(t, DetectVoiceRequest("what is the price"))
}

func TestDetectPreference(t *testing.T) {
	mode, ok := DetectPreference("Пиши текстом, без голосовых")
	require.True(t, ok)
	require.Equal(t, domain.VoiceModeTextOnly, mode)

	mode, ok = DetectPreference("more voice please!")
	require.True(t, ok)
	require.Equal(t, domain.VoiceModeMoreVoice, mode)

	_, ok = DetectPreference("tell me more")
	require.False(t, ok)
}

func TestMarkers(t *testing.T) {
	reply := "Thanks, passing it on! [APPLICATION_RECEIVED]"
	require.True(t, HasApplicationMarker(reply))
	require.Equal(t, "Thanks, passing it on!", StripApplicationMarker(reply))
	require.True(t, HasApplicationMarker("ok [ЗАЯВКА_ПОЛУЧЕНА]"))

	text, ok := StripVoiceMarker("[ГОЛОС] Hi there")
	require.True(t, ok)
	require.Equal(t, "Hi there", text)
	text, ok = StripVoiceMarker("plain")
	require.False(t, ok)
	require.Equal(t, "plain", text)
}

func TestExtractUsernameAndID(t *testing.T) {
	name, ok := ExtractUsername("see https://t.me/Some_User for details")
	require.True(t, ok)
	require.Equal(t, "some_user", name)
	name, ok = ExtractUsername("lead @Alice (ID: 42)")
	require.True(t, ok)
	require.Equal(t, "alice", name)
	_, ok = ExtractUsername("nothing here")
	require.False(t, ok)

	id, ok := ExtractRecipientID("NEW LEAD\n@alice (ID: 42)")
	require.True(t, ok)
	require.Equal(t, "42", id)
}

func TestParseApplication(t *testing.T) {
	reply := "Great, noted!\nИмя: Иван\nPhone: +7 (999) 123-45-67\nEmail: ivan@example.com\nСтрана: Россия\nCall time: tomorrow 15:00\n[APPLICATION_RECEIVED]"
	app, ok := ParseApplication(reply)
	require.True(t, ok)
	require.Equal(t, "Иван", app.Name)
	require.Equal(t, "+7 (999) 123-45-67", app.Phone)
	require.Equal(t, "ivan@example.com", app.Email)
	require.Equal(t, "Россия", app.Country)
	require.Equal(t, "tomorrow 15:00", app.CallTime)

	_, ok = ParseApplication("Name: Ivan\nno phone here")
	require.False(t, ok)
}

func TestValidateApplication(t *testing.T) {
	tests := []struct {
		name    string
		app     domain.Application
		wantErr bool
	}{
		{name: "valid", app: domain.Application{Name: "Ivan", Phone: "+7 999 123 45 67"}},
		{name: "valid with email", app: domain.Application{Name: "Ян", Phone: "12345678", Email: "a@b.co"}},
		{name: "short name", app: domain.Application{Name: "I", Phone: "12345678"}, wantErr: true},
		{name: "name without letters", app: domain.Application{Name: "12", Phone: "12345678"}, wantErr: true},
		{name: "short phone", app: domain.Application{Name: "Ivan", Phone: "123-45"}, wantErr: true},
		{name: "bad email", app: domain.Application{Name: "Ivan", Phone: "12345678", Email: "ivan@"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateApplication(tt.app)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidApplication)
				return
			}
			require.NoError(t, err)
		})
	}
}
