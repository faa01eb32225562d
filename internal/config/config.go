// Package config centralises configuration parsing for the healthsync binaries.
package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file layered under the environment.
const FileEnv = "HEALTHSYNC_CONFIG"

// Config captures runtime configuration for every binary.
type Config struct {
	Platform string

	HTTPAddress    string
	MetricsAddress string

	KVDSN  string
	LogDSN string

	AutoExportDir  string
	CompanionURL   string
	CompanionToken string

	Wearables          []string
	ForegroundInterval time.Duration
	BackgroundBudget   time.Duration
	StepFlushInterval  time.Duration
	LedgerRetention    time.Duration
	SchedulerJitter    float64

	KafkaBrokers  []string
	KafkaTopic    string
	ConsumerGroup string

	ClickHouseDSN      string
	ClickHouseDatabase string

	JWTSecret string
	JWTIssuer string

	TelegramBotToken string
	TelegramChatID   string
}

// KafkaEnabled reports whether sync events should be published.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Load reads HEALTHSYNC_CONFIG (if set) and the environment into Config.
// Environment variables win over the file, the file wins over defaults.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return src.load(), nil
}

// MustLoad is Load for mains; it exits on a malformed config file.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func (s source) load() Config {
	cfg := Config{
		Platform:           s.getEnv("HEALTHSYNC_PLATFORM", runtime.GOOS),
		HTTPAddress:        s.getEnv("HTTP_ADDRESS", ":8080"),
		MetricsAddress:     s.getEnv("METRICS_ADDRESS", ":9090"),
		KVDSN:              s.getEnv("KV_DSN", "memory://"),
		AutoExportDir:      s.getEnv("AUTO_EXPORT_DIR", ""),
		CompanionURL:       s.getEnv("COMPANION_URL", "http://localhost:8765"),
		CompanionToken:     s.getEnv("COMPANION_TOKEN", ""),
		ForegroundInterval: s.getDurationEnv("FOREGROUND_INTERVAL", 5*time.Minute),
		BackgroundBudget:   s.getDurationEnv("BACKGROUND_BUDGET", 30*time.Second),
		StepFlushInterval:  s.getDurationEnv("STEP_FLUSH_INTERVAL", 30*time.Second),
		LedgerRetention:    s.getDurationEnv("LEDGER_RETENTION", 30*24*time.Hour),
		SchedulerJitter:    s.getFloatEnv("SCHEDULER_JITTER", 0.1),
		KafkaTopic:         s.getEnv("KAFKA_TOPIC", "health_sync_events"),
		ConsumerGroup:      s.getEnv("KAFKA_CONSUMER_GROUP", "healthsync-history"),
		ClickHouseDSN:      s.getEnv("CLICKHOUSE_DSN", ""),
		ClickHouseDatabase: s.getEnv("CLICKHOUSE_DATABASE", "healthsync"),
		JWTSecret:          s.getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:          s.getEnv("JWT_ISSUER", "healthsync"),
		TelegramBotToken:   s.getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     s.getEnv("TELEGRAM_CHAT_ID", ""),
	}
	cfg.LogDSN = s.getEnv("LOG_DSN", cfg.KVDSN)
	cfg.Wearables = splitAndTrim(s.getEnv("WEARABLE_SOURCES", ""))
	cfg.KafkaBrokers = splitAndTrim(s.getEnv("KAFKA_BROKERS", ""))
	return cfg
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok && value != ""
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) getFloatEnv(key string, fallback float64) float64 {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

var knownKeys = map[string]struct{}{
	"HEALTHSYNC_PLATFORM": {}, "HTTP_ADDRESS": {}, "METRICS_ADDRESS": {},
	"KV_DSN": {}, "LOG_DSN": {}, "AUTO_EXPORT_DIR": {}, "COMPANION_URL": {}, "COMPANION_TOKEN": {},
	"WEARABLE_SOURCES": {}, "FOREGROUND_INTERVAL": {}, "BACKGROUND_BUDGET": {},
	"STEP_FLUSH_INTERVAL": {}, "LEDGER_RETENTION": {}, "SCHEDULER_JITTER": {},
	"KAFKA_BROKERS": {}, "KAFKA_TOPIC": {}, "KAFKA_CONSUMER_GROUP": {},
	"CLICKHOUSE_DSN": {}, "CLICKHOUSE_DATABASE": {},
	"JWT_SECRET": {}, "JWT_ISSUER": {}, "TELEGRAM_BOT_TOKEN": {}, "TELEGRAM_CHAT_ID": {},
}

// readFile parses a flat YAML mapping whose keys are the environment variable
// names in lower case. Lists are joined with commas.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for key, value := range raw {
		envKey := strings.ToUpper(strings.TrimSpace(key))
		if _, ok := knownKeys[envKey]; !ok {
			unknown = append(unknown, key)
			continue
		}
		out[envKey] = scalar(value)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func scalar(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, scalar(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
