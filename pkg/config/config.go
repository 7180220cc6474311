// Package config loads receiptd configuration from defaults, an optional JSON file,
// and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ArionMiles/receiptd/pkg/logging"
)

// Backend names accepted by STORE_BACKEND and QUEUE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	// Environment variable: LOG_LEVEL
	LogLevel string `koanf:"LOG_LEVEL"`
	// LogFormat is "text" or "json".
	// Environment variable: LOG_FORMAT
	LogFormat string `koanf:"LOG_FORMAT"`
	// Timezone is the IANA zone notification timestamps are written in.
	// Environment variable: TIMEZONE
	Timezone string `koanf:"TIMEZONE"`

	// DatabaseURL is a PostgreSQL connection string.
	// Environment variable: DATABASE_URL
	DatabaseURL      string `koanf:"DATABASE_URL"`
	DatabaseMaxConns int    `koanf:"DATABASE_MAX_CONNS"`
	// StoreBackend selects the persistence gateway: memory or postgres.
	StoreBackend string `koanf:"STORE_BACKEND"`
	// QueueBackend selects the work queue: memory or postgres.
	QueueBackend      string        `koanf:"QUEUE_BACKEND"`
	QueueLease        time.Duration `koanf:"QUEUE_LEASE"`
	QueuePollInterval time.Duration `koanf:"QUEUE_POLL_INTERVAL"`

	// Workers is the size of the ingestion worker pool.
	Workers int `koanf:"WORKERS"`
	// MaxAttempts is the number of deliveries before a transient failure is dead-lettered.
	MaxAttempts    int           `koanf:"MAX_ATTEMPTS"`
	BackoffBase    time.Duration `koanf:"BACKOFF_BASE"`
	BackoffMax     time.Duration `koanf:"BACKOFF_MAX"`
	ParseTimeout   time.Duration `koanf:"PARSE_TIMEOUT"`
	PersistTimeout time.Duration `koanf:"PERSIST_TIMEOUT"`

	// ConfidenceThreshold is the minimum regex confidence accepted without the fallback.
	ConfidenceThreshold    float64       `koanf:"CONFIDENCE_THRESHOLD"`
	MappingRefreshInterval time.Duration `koanf:"MAPPING_REFRESH_INTERVAL"`

	// GeminiAPIKey enables the language-model fallback parser when set.
	// Environment variable: GEMINI_API_KEY
	GeminiAPIKey string        `koanf:"GEMINI_API_KEY"`
	GeminiModel  string        `koanf:"GEMINI_MODEL"`
	LLMTimeout   time.Duration `koanf:"LLM_TIMEOUT"`
	LLMAttempts  int           `koanf:"LLM_ATTEMPTS"`
	// LLMRetryDelay is the first pause between fallback attempts, doubled on each retry.
	LLMRetryDelay time.Duration `koanf:"LLM_RETRY_DELAY"`

	// Sources is a comma-separated list of enabled source plugins.
	// Environment variable: SOURCES
	Sources              string        `koanf:"SOURCES"`
	TelegramBotToken     string        `koanf:"TELEGRAM_BOT_TOKEN"`
	TelegramAllowedChats string        `koanf:"TELEGRAM_ALLOWED_CHATS"`
	RelayPath            string        `koanf:"RELAY_PATH"`
	MboxPath             string        `koanf:"MBOX_PATH"`
	GmailQuery           string        `koanf:"GMAIL_QUERY"`
	GmailInterval        time.Duration `koanf:"GMAIL_INTERVAL"`
	GmailCredentialsFile string        `koanf:"GMAIL_CREDENTIALS_FILE"`
	GmailTokenFile       string        `koanf:"GMAIL_TOKEN_FILE"`

	ParseLogBatch int           `koanf:"PARSE_LOG_BATCH"`
	ParseLogFlush time.Duration `koanf:"PARSE_LOG_FLUSH"`
	// ParseLogCSV, when set, also appends every parse-log entry to this CSV file.
	ParseLogCSV string `koanf:"PARSE_LOG_CSV"`
}

// Defaults returns the baseline values every other layer overrides.
func Defaults() map[string]any {
	return map[string]any{
		"LOG_LEVEL":                "INFO",
		"LOG_FORMAT":               "text",
		"TIMEZONE":                 "Asia/Tashkent",
		"DATABASE_MAX_CONNS":       10,
		"STORE_BACKEND":            BackendMemory,
		"QUEUE_BACKEND":            BackendMemory,
		"QUEUE_LEASE":              "2m",
		"QUEUE_POLL_INTERVAL":      "1s",
		"WORKERS":                  4,
		"MAX_ATTEMPTS":             3,
		"BACKOFF_BASE":             "2s",
		"BACKOFF_MAX":              "1m",
		"PARSE_TIMEOUT":            "45s",
		"PERSIST_TIMEOUT":          "5s",
		"CONFIDENCE_THRESHOLD":     0.8,
		"MAPPING_REFRESH_INTERVAL": "1m",
		"GEMINI_MODEL":             "gemini-2.5-flash",
		"LLM_TIMEOUT":              "20s",
		"LLM_ATTEMPTS":             2,
		"LLM_RETRY_DELAY":          "500ms",
		"SOURCES":                  "relay",
		"RELAY_PATH":               "-",
		"GMAIL_QUERY":              "is:unread",
		"GMAIL_INTERVAL":           "30s",
		"GMAIL_CREDENTIALS_FILE":   "data/client_secret.json",
		"GMAIL_TOKEN_FILE":         "data/token.json",
		"PARSE_LOG_BATCH":          50,
		"PARSE_LOG_FLUSH":          "10s",
	}
}

// Load reads configuration. path may be empty, in which case only defaults and the
// environment are used.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	for key, backend := range map[string]string{"STORE_BACKEND": c.StoreBackend, "QUEUE_BACKEND": c.QueueBackend} {
		switch backend {
		case BackendMemory:
		case BackendPostgres:
			if c.DatabaseURL == "" {
				errs = append(errs, fmt.Errorf("%s=postgres requires DATABASE_URL", key))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q", key, backend))
		}
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_BASE must be positive and not above BACKOFF_MAX"))
	}
	if c.ParseTimeout <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("PARSE_TIMEOUT and PERSIST_TIMEOUT must be positive"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("CONFIDENCE_THRESHOLD must be within [0, 1]"))
	}
	if c.MappingRefreshInterval <= 0 {
		errs = append(errs, errors.New("MAPPING_REFRESH_INTERVAL must be positive"))
	}
	if c.LLMAttempts < 1 {
		errs = append(errs, errors.New("LLM_ATTEMPTS must be at least 1"))
	} else if c.FallbackConfigured() && c.ParseTimeout < c.FallbackBudget() {
		errs = append(errs, fmt.Errorf("PARSE_TIMEOUT %v is shorter than the fallback retry budget %v (LLM_TIMEOUT x LLM_ATTEMPTS plus retry delays)",
			c.ParseTimeout, c.FallbackBudget()))
	}
	if _, err := c.AllowedChats(); err != nil {
		errs = append(errs, err)
	}
	for _, name := range c.SourceList() {
		switch name {
		case "telegram":
			if c.TelegramBotToken == "" {
				errs = append(errs, errors.New("source telegram requires TELEGRAM_BOT_TOKEN"))
			}
		case "mbox":
			if c.MboxPath == "" {
				errs = append(errs, errors.New("source mbox requires MBOX_PATH"))
			}
		}
	}

	return errors.Join(errs...)
}

// SourceList returns the enabled source names, trimmed and lower-cased.
func (c Config) SourceList() []string {
	return splitList(strings.ToLower(c.Sources))
}

// AllowedChats parses TELEGRAM_ALLOWED_CHATS. An empty list allows every chat.
func (c Config) AllowedChats() ([]int64, error) {
	var ids []int64
	for _, s := range splitList(c.TelegramAllowedChats) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_ALLOWED_CHATS: invalid chat id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// FallbackConfigured reports whether a credential for the fallback parser is present.
func (c Config) FallbackConfigured() bool {
	return strings.TrimSpace(c.GeminiAPIKey) != ""
}

// FallbackBudget is the longest a single fallback parse can take: every attempt running to
// LLM_TIMEOUT plus the doubling pauses between attempts.
func (c Config) FallbackBudget() time.Duration {
	if c.LLMAttempts < 1 {
		return 0
	}
	budget := time.Duration(c.LLMAttempts) * c.LLMTimeout
	delay := c.LLMRetryDelay
	for i := 1; i < c.LLMAttempts; i++ {
		budget += delay
		delay *= 2
	}
	return budget
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
