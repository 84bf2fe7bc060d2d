// Package config loads the history service settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/becomeliminal/nim-history/history"
)

// Embedder names accepted by HISTORY_EMBEDDER.
const (
	EmbedderHashing = "hashing"
	EmbedderOpenAI  = "openai"
)

// Config contains all runtime settings for the history service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	PersistDir   string
	MaxHistory   int
	OpTimeout    time.Duration
	ContextLimit int

	Embedder       string
	EmbeddingDim   int
	EmbedCacheSize int

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIEmbeddingModel string

	AnthropicAPIKey string
	Model           string
	MaxTokens       int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("HISTORY_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("HISTORY_METRICS_NAMESPACE", "nim_history"),
		PersistDir:           envOrDefault("HISTORY_PERSIST_DIR", "./vector_db"),
		Embedder:             strings.ToLower(envOrDefault("HISTORY_EMBEDDER", EmbedderHashing)),
		OpenAIAPIKey:         trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:        trimmedEnv("OPENAI_BASE_URL"),
		OpenAIEmbeddingModel: trimmedEnv("OPENAI_EMBEDDING_MODEL"),
		AnthropicAPIKey:      trimmedEnv("ANTHROPIC_API_KEY"),
		Model:                envOrDefault("HISTORY_MODEL", "claude-sonnet-4-20250514"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
		MaxHistory:           history.DefaultConfig.MaxHistory,
		OpTimeout:            history.DefaultConfig.OpTimeout,
		ContextLimit:         history.DefaultConfig.ContextLimit,
		EmbeddingDim:         512,
		EmbedCacheSize:       10000,
		MaxTokens:            1024,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("HISTORY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.OpTimeout, err = durationFromEnv("HISTORY_OP_TIMEOUT", cfg.OpTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxHistory, err = intFromEnv("HISTORY_MAX_HISTORY", cfg.MaxHistory); err != nil {
		return Config{}, err
	}
	if cfg.ContextLimit, err = intFromEnv("HISTORY_CONTEXT_LIMIT", cfg.ContextLimit); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("HISTORY_EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbedCacheSize, err = intFromEnv("HISTORY_EMBED_CACHE_SIZE", cfg.EmbedCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxTokens, err = intFromEnv("HISTORY_MAX_TOKENS", cfg.MaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("HISTORY_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxHistory < history.MinMaxHistory || c.MaxHistory > history.MaxMaxHistory {
		return fmt.Errorf("HISTORY_MAX_HISTORY must be between %d and %d", history.MinMaxHistory, history.MaxMaxHistory)
	}
	if c.OpTimeout < 0 {
		return fmt.Errorf("HISTORY_OP_TIMEOUT must be >= 0")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("HISTORY_CONTEXT_LIMIT must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("HISTORY_EMBEDDING_DIM must be positive")
	}
	if c.EmbedCacheSize < 0 {
		return fmt.Errorf("HISTORY_EMBED_CACHE_SIZE must be >= 0")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("HISTORY_MAX_TOKENS must be positive")
	}
	switch c.Embedder {
	case EmbedderHashing:
	case EmbedderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when HISTORY_EMBEDDER=openai")
		}
	default:
		return fmt.Errorf("HISTORY_EMBEDDER must be %q or %q", EmbedderHashing, EmbedderOpenAI)
	}
	return nil
}

// History returns the history manager settings.
func (c Config) History() *history.Config {
	return &history.Config{
		MaxHistory:   c.MaxHistory,
		OpTimeout:    c.OpTimeout,
		ContextLimit: c.ContextLimit,
	}
}

// JournalDir is where the ordered log lives.
func (c Config) JournalDir() string {
	return filepath.Join(c.PersistDir, "journal")
}

// IndexDir is where the embedded vector index lives.
func (c Config) IndexDir() string {
	return filepath.Join(c.PersistDir, "index")
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
