package usecase

import (
	"strings"

	"lead-agent/internal/domain"
	"lead-agent/internal/prompts"
)

const (
	continuationThreshold = 2
	followUpWindow        = 6
	pushWindow            = 10
	temperatureWindow     = 10

	replyMaxTokens    = 300
	followUpMaxTokens = 200
	shortMaxTokens    = 10
)

type promptContext struct {
	language        string
	defaultLanguage string
	snippet         string
	historyLen      int
	status          domain.LeadStatus
}

// buildSystemContext assembles the reply system prompt with its situational
// augmentations.
func buildSystemContext(cat *prompts.Catalogue, pc promptContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cat.System))

	if pc.language != "" && pc.language != pc.defaultLanguage {
		b.WriteString("\n")
		b.WriteString(prompts.Render(cat.MultilangInstruction, map[string]string{"language": pc.language}))
	}
	if s := strings.TrimSpace(pc.snippet); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	if pc.historyLen > continuationThreshold {
		b.WriteString("\n")
		b.WriteString(prompts.Render(cat.ContinuationReminder, map[string]string{"count": prompts.Itoa(pc.historyLen)}))
	}
	if pc.status == domain.StatusDataCollected {
		b.WriteString("\n")
		b.WriteString(cat.DataCollectedReminder)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tail(history []domain.Turn, n int) []domain.Turn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// followUpRequest builds the re-engagement context: the recent window plus
// an internal instruction turn.
func followUpRequest(cat *prompts.Catalogue, history []domain.Turn, attempt int) domain.GenerationRequest {
	vars := map[string]string{"attempt": prompts.Itoa(attempt)}
	messages := domain.TurnsToMessages(tail(history, followUpWindow))
	messages = append(messages, domain.ChatMessage{Role: "user", Content: prompts.Render(cat.FollowUpInstruction, vars)})
	return domain.GenerationRequest{
		System:    prompts.Render(cat.FollowUp, vars),
		Messages:  messages,
		MaxTokens: followUpMaxTokens,
	}
}

func pushRequest(cat *prompts.Catalogue, history []domain.Turn, request string) domain.GenerationRequest {
	vars := map[string]string{"request": request}
	messages := domain.TurnsToMessages(tail(history, pushWindow))
	messages = append(messages, domain.ChatMessage{Role: "user", Content: prompts.Render(cat.PushInstruction, vars)})
	return domain.GenerationRequest{
		System:    prompts.Render(cat.Push, vars),
		Messages:  messages,
		MaxTokens: replyMaxTokens,
	}
}

// dialogTranscript renders turns as "Client:"/"Agent:" lines for the
// classification prompts.
func dialogTranscript(history []domain.Turn) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		who := "Client"
		if t.Role == domain.RoleAgent {
			who = "Agent"
		}
		lines = append(lines, who+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

func temperatureRequest(cat *prompts.Catalogue, history []domain.Turn) domain.GenerationRequest {
	return domain.GenerationRequest{
		System:    cat.Temperature,
		Messages:  []domain.ChatMessage{{Role: "user", Content: dialogTranscript(tail(history, temperatureWindow))}},
		MaxTokens: shortMaxTokens,
	}
}

func languageRequest(cat *prompts.Catalogue, text string) domain.GenerationRequest {
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return domain.GenerationRequest{
		System:    cat.LanguageDetectSystem,
		Messages:  []domain.ChatMessage{{Role: "user", Content: prompts.Render(cat.LanguageDetect, map[string]string{"text": text})}},
		MaxTokens: shortMaxTokens,
	}
}

// Temperature labels.
const (
	TemperatureNew  = "NEW"
	TemperatureHot  = "HOT"
	TemperatureWarm = "WARM"
	TemperatureCold = "COLD"
)

func parseTemperature(answer string) (string, bool) {
	a := strings.ToUpper(answer)
	for _, label := range []string{TemperatureHot, TemperatureWarm, TemperatureCold} {
		if strings.Contains(a, label) {
			return label, true
		}
	}
	return "", false
}
