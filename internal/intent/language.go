// Package intent holds the keyword classifiers run over inbound and
// generated text. Every function is pure.
package intent

import (
	"strings"
	"unicode"
)

// Language tags returned by the classifiers.
const (
	LanguageEnglish   = "english"
	LanguageRussian   = "russian"
	LanguageUkrainian = "ukrainian"
)

// KnownLanguages is the closed set the generative fallback may answer with.
var KnownLanguages = []string{
	"russian", "english", "ukrainian", "spanish", "german",
	"french", "arabic", "turkish", "portuguese", "chinese",
}

// DetectLanguage applies the script heuristic. ok is false when the text
// needs the generative fallback.
func DetectLanguage(text string) (lang string, ok bool) {
	var cyrillic, ukrainian, latin, nonASCII bool
	for i, r := range []rune(text) {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic = true
			if strings.ContainsRune("іїєґІЇЄҐ", r) {
				ukrainian = true
			}
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin = true
		case r > unicode.MaxASCII && i < 100:
			nonASCII = true
		}
	}
	switch {
	case cyrillic && ukrainian:
		return LanguageUkrainian, true
	case cyrillic:
		return LanguageRussian, true
	case latin && !nonASCII:
		return LanguageEnglish, true
	}
	return "", false
}

// NormalizeLanguage maps a free-form model answer onto KnownLanguages.
func NormalizeLanguage(answer string) (string, bool) {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.Trim(a, ".!\"' ")
	for _, known := range KnownLanguages {
		if a == known {
			return known, true
		}
	}
	return "", false
}
