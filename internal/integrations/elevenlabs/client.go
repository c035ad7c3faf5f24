// Package elevenlabs wraps the text-to-speech and speech-to-text endpoints.
package elevenlabs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL  = "https://api.elevenlabs.io"
	defaultTTSModel = "eleven_multilingual_v2"
	defaultSTTModel = "scribe_v1"
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("elevenlabs: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	SpeakerBoost    bool    `json:"use_speaker_boost"`
}

type Client struct {
	http     *resty.Client
	baseURL  string
	voiceID  string
	ttsModel string
	sttModel string
	settings VoiceSettings
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = resty.NewWithClient(hc)
		}
	}
}

func WithVoiceSettings(s VoiceSettings) Option {
	return func(c *Client) { c.settings = s }
}

func New(apiKey, voiceID string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	c := &Client{
		http:     resty.New().SetTimeout(60 * time.Second),
		baseURL:  defaultBaseURL,
		voiceID:  strings.TrimSpace(voiceID),
		ttsModel: defaultTTSModel,
		sttModel: defaultSTTModel,
		settings: VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.2, SpeakerBoost: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetHeader("xi-api-key", apiKey)
	return c, nil
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// Synthesize renders text as MP3 audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.voiceID == "" {
		return nil, errors.New("elevenlabs: voice id is not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "audio/mpeg").
		SetQueryParam("output_format", "mp3_44100_128").
		SetBody(ttsRequest{Text: text, ModelID: c.ttsModel, VoiceSettings: c.settings}).
		Post(c.baseURL + "/v1/text-to-speech/" + c.voiceID)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.IsError() {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	if len(resp.Body()) == 0 {
		return nil, errors.New("elevenlabs: synthesize: empty audio")
	}
	return resp.Body(), nil
}

type sttResponse struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

// Transcribe converts an audio clip to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("elevenlabs: audio must not be empty")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "voice.ogg"
	}
	var out sttResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(audio)).
		SetFormData(map[string]string{"model_id": c.sttModel}).
		SetResult(&out).
		Post(c.baseURL + "/v1/speech-to-text")
	if err != nil {
		return "", fmt.Errorf("elevenlabs: transcribe: %w", err)
	}
	if resp.IsError() {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 300)}
	}
	return strings.TrimSpace(out.Text), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
