package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

// Config carries process-level settings sourced from the environment.
// Per-run settings live in the run config documents instead.
type Config struct {
	BasePath         string
	Source           string
	GraphToken       string
	GraphUser        string
	GmailToken       string
	OllamaHost       string
	DefaultModel     string
	SessionTimeout   time.Duration
	SummarizeTimeout time.Duration
	NATSUrl          string
	JWKSURL          string
	Port             int
	LogLevel         string
}

// Load reads configuration from the environment, honoring a local .env
// file when present.
func Load() Config {
	godotenv.Load()

	return Config{
		BasePath:         getEnv("MAILSHARD_BASE_PATH", "./data/runs"),
		Source:           getEnv("MAILSHARD_SOURCE", "graph"),
		GraphToken:       getEnv("MAILSHARD_GRAPH_TOKEN", ""),
		GraphUser:        getEnv("MAILSHARD_GRAPH_USER", ""),
		GmailToken:       getEnv("MAILSHARD_GMAIL_TOKEN", ""),
		OllamaHost:       getEnv("MAILSHARD_OLLAMA_HOST", "http://localhost:11434"),
		DefaultModel:     getEnv("MAILSHARD_MODEL", ingest.DefaultModel),
		SessionTimeout:   getEnvDuration("MAILSHARD_SESSION_TIMEOUT", 30*time.Second),
		SummarizeTimeout: getEnvDuration("MAILSHARD_SUMMARIZE_TIMEOUT", 120*time.Second),
		NATSUrl:          getEnv("MAILSHARD_NATS_URL", ""),
		JWKSURL:          getEnv("MAILSHARD_JWKS_URL", ""),
		Port:             getEnvInt("MAILSHARD_PORT", 8080),
		LogLevel:         getEnv("MAILSHARD_LOG_LEVEL", "info"),
	}
}

// SetupLogger builds the process logger at the configured level.
func (c Config) SetupLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("service", "mailshard").
		Logger()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
