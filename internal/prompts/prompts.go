// Package prompts loads the text templates the agent sends to the
// generative engine and to recipients.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalogue []byte

// Catalogue holds every template. Placeholders use {{name}}.
type Catalogue struct {
	System                string   `yaml:"system"`
	Openings              []string `yaml:"openings"`
	MultilangInstruction  string   `yaml:"multilang_instruction"`
	ContinuationReminder  string   `yaml:"continuation_reminder"`
	DataCollectedReminder string   `yaml:"data_collected_reminder"`
	FollowUp              string   `yaml:"followup"`
	FollowUpInstruction   string   `yaml:"followup_instruction"`
	Push                  string   `yaml:"push"`
	PushInstruction       string   `yaml:"push_instruction"`
	Temperature           string   `yaml:"temperature"`
	LanguageDetect        string   `yaml:"language_detect"`
	LanguageDetectSystem  string   `yaml:"language_detect_system"`
	FallbackReply         string   `yaml:"fallback_reply"`
	StickerFragment       string   `yaml:"sticker_fragment"`
	PhotoFragment         string   `yaml:"photo_fragment"`
	VoiceFragment         string   `yaml:"voice_fragment"`
}

// Default returns the embedded catalogue.
func Default() (*Catalogue, error) {
	c := &Catalogue{}
	if err := yaml.Unmarshal(defaultCatalogue, c); err != nil {
		return nil, fmt.Errorf("prompts: decode embedded catalogue: %w", err)
	}
	return c, c.validate()
}

// Load returns the embedded catalogue overlaid with the YAML file at path.
// An empty path yields the defaults.
func Load(path string) (*Catalogue, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	// Unmarshal into the populated struct so absent keys keep their defaults.
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("prompts: decode %s: %w", path, err)
	}
	return c, c.validate()
}

func (c *Catalogue) validate() error {
	if strings.TrimSpace(c.System) == "" {
		return errors.New("prompts: system prompt must not be empty")
	}
	if len(c.Openings) == 0 {
		return errors.New("prompts: at least one opening is required")
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		return errors.New("prompts: fallback reply must not be empty")
	}
	return nil
}

// Opening picks one of the opening templates.
func (c *Catalogue) Opening(rnd *rand.Rand) string {
	if rnd == nil {
		return c.Openings[rand.Intn(len(c.Openings))]
	}
	return c.Openings[rnd.Intn(len(c.Openings))]
}

// Render substitutes {{key}} placeholders.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Itoa is a convenience for numeric placeholders.
func Itoa(n int) string { return strconv.Itoa(n) }
