// Package config parses process configuration once at startup. The resulting
// Config is passed into constructors and never read as ambient state.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"cale-agent/internal/integrations/paramstore"
)

const (
	ReasonerGemini    = "gemini"
	ReasonerOpenAI    = "openai"
	ReasonerAnthropic = "anthropic"

	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Mode selects which settings Validate requires.
type Mode int

const (
	ModeServe Mode = iota
	ModeLambda
	ModeChat
	ModeIngest
	ModeForget
)

type Config struct {
	TelegramToken   string `env:"TELEGRAM_TOKEN"`
	WebhookSecret   string `env:"TELEGRAM_WEBHOOK_SECRET"`
	GoogleAPIKey    string `env:"GOOGLE_API_KEY"`
	PlacesAPIKey    string `env:"GOOGLE_PLACES_API_KEY"`
	WeatherAPIKey   string `env:"WEATHER_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	Reasoner       string  `env:"REASONER" envDefault:"gemini"`
	Model          string  `env:"MODEL"`
	EmbeddingModel string  `env:"EMBEDDING_MODEL" envDefault:"text-embedding-004"`
	Temperature    float32 `env:"TEMPERATURE" envDefault:"0.3"`

	HistoryStore string        `env:"HISTORY_STORE" envDefault:"sqlite"`
	DatabasePath string        `env:"DATABASE_PATH" envDefault:"data/cale.db"`
	HistoryTable string        `env:"HISTORY_TABLE"`
	HistoryTTL   time.Duration `env:"HISTORY_TTL" envDefault:"2160h"`
	ParamPrefix  string        `env:"PARAM_PREFIX"`

	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"10"`
	KeepLast          int           `env:"HISTORY_KEEP_LAST" envDefault:"50"`
	RetryAttempts     int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	MaxIterations     int           `env:"AGENT_MAX_ITERATIONS" envDefault:"5"`
	MaxElapsed        time.Duration `env:"AGENT_MAX_ELAPSED" envDefault:"45s"`
	NoticeDelay       time.Duration `env:"NOTICE_DELAY" envDefault:"10s"`
	Workers           int           `env:"WORKERS" envDefault:"8"`
	KnowledgeTopK     int           `env:"KNOWLEDGE_TOP_K" envDefault:"3"`
	PlacesMaxResults  int           `env:"PLACES_MAX_RESULTS" envDefault:"5"`
	PlacesMaxWeather  int           `env:"PLACES_MAX_WEATHER" envDefault:"3"`
	CitySuffix        string        `env:"CITY_SUFFIX" envDefault:" en Cali"`
	RetentionSchedule string        `env:"RETENTION_SCHEDULE" envDefault:"@daily"`
	KnowledgeRefresh  string        `env:"KNOWLEDGE_REFRESH_SCHEDULE" envDefault:"@every 30m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the given dotenv files (".env" when none) and then the process
// environment. Missing dotenv files are fine.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}
	return Parse(env.Options{})
}

// Parse reads Config using opts, e.g. an explicit Environment map in tests.
func Parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	c.Reasoner = strings.ToLower(strings.TrimSpace(c.Reasoner))
	c.HistoryStore = strings.ToLower(strings.TrimSpace(c.HistoryStore))
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	return c, nil
}

// ResolveSecrets fills blank credentials from Parameter Store under
// ParamPrefix. It is a no-op without a prefix. Values already set in the
// environment win. The error joins every parameter that could not be read.
func (c *Config) ResolveSecrets(ctx context.Context, getter paramstore.Getter) error {
	if c.ParamPrefix == "" {
		return nil
	}
	return paramstore.Fill(ctx, getter, c.ParamPrefix, map[string]*string{
		"telegram_token":          &c.TelegramToken,
		"telegram_webhook_secret": &c.WebhookSecret,
		"google_api_key":          &c.GoogleAPIKey,
		"google_places_api_key":   &c.PlacesAPIKey,
		"weather_api_key":         &c.WeatherAPIKey,
		"openai_api_key":          &c.OpenAIAPIKey,
		"anthropic_api_key":       &c.AnthropicAPIKey,
	})
}

// ReasonerKey returns the credential for the selected backend.
func (c Config) ReasonerKey() string {
	switch c.Reasoner {
	case ReasonerOpenAI:
		return c.OpenAIAPIKey
	case ReasonerAnthropic:
		return c.AnthropicAPIKey
	default:
		return c.GoogleAPIKey
	}
}

func (c Config) Validate(mode Mode) error {
	var errs []error
	switch c.Reasoner {
	case ReasonerGemini, ReasonerOpenAI, ReasonerAnthropic:
	default:
		errs = append(errs, fmt.Errorf("REASONER must be one of gemini, openai, anthropic (got %q)", c.Reasoner))
	}
	switch c.HistoryStore {
	case StoreSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for the sqlite store"))
		}
	case StoreDynamoDB:
		if strings.TrimSpace(c.HistoryTable) == "" {
			errs = append(errs, errors.New("HISTORY_TABLE is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("HISTORY_STORE must be sqlite or dynamodb (got %q)", c.HistoryStore))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json (got %q)", c.LogFormat))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}
	if c.KeepLast < 1 {
		errs = append(errs, errors.New("HISTORY_KEEP_LAST must be at least 1"))
	}

	switch mode {
	case ModeServe, ModeLambda:
		if c.TelegramToken == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
		}
		errs = append(errs, c.requireReasonerKey()...)
	case ModeChat:
		errs = append(errs, c.requireReasonerKey()...)
	case ModeIngest:
		if c.GoogleAPIKey == "" {
			errs = append(errs, errors.New("GOOGLE_API_KEY is required for embeddings"))
		}
		if strings.TrimSpace(c.DatabasePath) == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for the knowledge index"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) requireReasonerKey() []error {
	if c.ReasonerKey() != "" {
		return nil
	}
	name := map[string]string{
		ReasonerGemini:    "GOOGLE_API_KEY",
		ReasonerOpenAI:    "OPENAI_API_KEY",
		ReasonerAnthropic: "ANTHROPIC_API_KEY",
	}[c.Reasoner]
	if name == "" {
		return nil
	}
	return []error{fmt.Errorf("%s is required for the %s reasoner", name, c.Reasoner)}
}
