package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const secretPrefix = "ssm:"

// Config holds the environment driven configuration for the agent.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"lead-agent"`
	Version     string `env:"AGENT_VERSION" envDefault:"5.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`

	// Transport
	TelegramToken   string  `env:"TELEGRAM_BOT_TOKEN"`
	TelegramBaseURL string  `env:"TELEGRAM_BASE_URL" envDefault:"https://api.telegram.org"`
	TelegramRPS     float64 `env:"TELEGRAM_SEND_RPS" envDefault:"25"`
	OperatorChatID  int64   `env:"FORWARD_GROUP_ID" envDefault:"0"`
	BlacklistIDs    []int64 `env:"BLACKLIST_IDS" envSeparator:","`

	// Generation
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// Speech
	ElevenLabsKey     string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID"`
	ElevenLabsBaseURL string `env:"ELEVENLABS_BASE_URL" envDefault:"https://api.elevenlabs.io"`
	FFmpegPath        string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	AudioWorkers      int64  `env:"AUDIO_WORKERS" envDefault:"2"`

	// Storage
	BaseDir       string `env:"BOT_BASE_DIR"`
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"file"`
	DynamoDBTable string `env:"STATE_TABLE"`
	PromptsFile   string `env:"PROMPTS_FILE"`

	// Limits
	MaxMessagesPerDay     int `env:"MAX_MESSAGES_PER_DAY" envDefault:"200"`
	MaxMessagesPerUserDay int `env:"MAX_MESSAGES_PER_USER_DAY" envDefault:"50"`
	MaxHistory            int `env:"MAX_HISTORY" envDefault:"20"`

	// Follow-ups
	FollowUpDelay       time.Duration `env:"FOLLOWUP_DELAY" envDefault:"3h"`
	FollowUpMaxAttempts int           `env:"FOLLOWUP_MAX_ATTEMPTS" envDefault:"2"`
	FollowUpInterval    time.Duration `env:"FOLLOWUP_CHECK_INTERVAL" envDefault:"5m"`
	FollowUpSpacingMin  time.Duration `env:"FOLLOWUP_SPACING_MIN" envDefault:"30s"`
	FollowUpSpacingMax  time.Duration `env:"FOLLOWUP_SPACING_MAX" envDefault:"120s"`

	// Time
	TimezoneOffsetHours int `env:"TIMEZONE_OFFSET" envDefault:"3"`
	NightStartHour      int `env:"NIGHT_START_HOUR" envDefault:"23"`
	NightEndHour        int `env:"NIGHT_END_HOUR" envDefault:"7"`

	// Conversation
	DefaultVoiceRatio float64       `env:"DEFAULT_VOICE_RATIO" envDefault:"0.25"`
	BatchDelay        time.Duration `env:"MESSAGE_BATCH_DELAY" envDefault:"3s"`
	DefaultLanguage   string        `env:"DEFAULT_LANGUAGE" envDefault:"english"`

	// Retry
	GenerationMaxRetries int           `env:"GENERATION_MAX_RETRIES" envDefault:"3"`
	GenerationBaseDelay  time.Duration `env:"GENERATION_BASE_DELAY" envDefault:"2s"`
	TransportMaxRetries  int           `env:"FLOODWAIT_MAX_RETRIES" envDefault:"5"`
	TransportMaxWait     time.Duration `env:"FLOODWAIT_MAX_WAIT" envDefault:"60s"`

	// Housekeeping
	BackupSchedule    string `env:"BACKUP_SCHEDULE" envDefault:"0 * * * *"`
	BackupMaxFiles    int    `env:"BACKUP_MAX_FILES" envDefault:"48"`
	HeartbeatSchedule string `env:"HEARTBEAT_SCHEDULE" envDefault:"*/5 * * * *"`

	// HTTP
	HTTPPort      int    `env:"HEALTHCHECK_PORT" envDefault:"8080"`
	OperatorToken string `env:"OPERATOR_TOKEN"`
	OperatorURL   string `env:"OPERATOR_URL" envDefault:"http://localhost:8080"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// SecretResolver fetches a secret by parameter name. The SSM param store
// client satisfies it.
type SecretResolver interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// LoadEnvFiles overlays .env files found in the working directory or its
// parent onto the process environment.
func LoadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if strings.TrimSpace(cfg.BaseDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.BaseDir = home + string(os.PathSeparator) + "tg_agent"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if cfg.FollowUpMaxAttempts <= 0 {
		cfg.FollowUpMaxAttempts = 2
	}
	if cfg.AudioWorkers <= 0 {
		cfg.AudioWorkers = 1
	}
	return cfg, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TelegramToken) == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if strings.TrimSpace(c.OpenAIKey) == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.StoreBackend == "dynamodb" && strings.TrimSpace(c.DynamoDBTable) == "" {
		missing = append(missing, "STATE_TABLE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required variables: %s", strings.Join(missing, ", "))
	}
	if c.StoreBackend != "file" && c.StoreBackend != "dynamodb" {
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// NeedsSecrets reports whether any secret is stored as an SSM reference.
func (c *Config) NeedsSecrets() bool {
	for _, v := range c.secretFields() {
		if strings.HasPrefix(*v, secretPrefix) {
			return true
		}
	}
	return false
}

// prefetcher is implemented by resolvers that can load several names in
// one round trip.
type prefetcher interface {
	Prefetch(ctx context.Context, names ...string) error
}

// ResolveSecrets replaces "ssm:/name" secret references with their values.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	if p, ok := r.(prefetcher); ok {
		var names []string
		for _, v := range c.secretFields() {
			if strings.HasPrefix(*v, secretPrefix) {
				names = append(names, strings.TrimPrefix(*v, secretPrefix))
			}
		}
		if len(names) > 0 {
			if err := p.Prefetch(ctx, names...); err != nil {
				return fmt.Errorf("config: prefetch secrets: %w", err)
			}
		}
	}
	for _, v := range c.secretFields() {
		if !strings.HasPrefix(*v, secretPrefix) {
			continue
		}
		if r == nil {
			return errors.New("config: secret resolver must not be nil")
		}
		name := strings.TrimPrefix(*v, secretPrefix)
		raw, err := r.GetParameter(ctx, name)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", name, err)
		}
		*v = unwrapToken(raw)
	}
	return nil
}

func (c *Config) secretFields() []*string {
	return []*string{&c.TelegramToken, &c.OpenAIKey, &c.ElevenLabsKey, &c.OperatorToken}
}

// DataDir is where store documents live.
func (c *Config) DataDir() string { return c.BaseDir + string(os.PathSeparator) + "data" }

// BackupDir is where housekeeping writes snapshots.
func (c *Config) BackupDir() string { return c.BaseDir + string(os.PathSeparator) + "backups" }

// AmbientDir holds background tracks mixed into voice notes.
func (c *Config) AmbientDir() string { return c.BaseDir + string(os.PathSeparator) + "ambient" }

// Location is the fixed reference timezone for counters and quiet hours.
func (c *Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.TimezoneOffsetHours), c.TimezoneOffsetHours*3600)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

type tokenPayload struct {
	Token string `json:"token"`
}

// unwrapToken accepts either a plain secret or the {"token": "..."} JSON
// shape used for API tokens in the parameter store.
func unwrapToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil || tp.Token == "" {
		return raw
	}
	return tp.Token
}
