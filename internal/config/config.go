package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET must not be empty")
	ErrUnsupportedDriver  = errors.New("DB_DRIVER must be one of mysql, postgres, sqlite")
	ErrUnsupportedAI      = errors.New("AI_PROVIDER must be one of openai, ollama, openrouter")
	ErrInvalidContextSize = errors.New("CHAT_CONTEXT_WINDOW_SIZE must be between 1 and 100")
)

type Config struct {
	HTTPAddr string
	LogLevel string

	DBDriver string
	DBDSN    string
	DBEcho   bool

	JWTSecret      string
	TokenTTL       time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RateLimitHour  int64
	ChatWindowSize int
	TitleLength    int

	// generation defaults, overridden per session or per request
	DefaultSystemPrompt string
	Temperature         float64
	MaxTokens           int

	// AI provider
	AIProvider        string
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	ProviderTimeout   time.Duration

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

func Load() Config {
	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/zhida?charset=utf8mb4&parseTime=true&loc=UTC
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			envOr("DB_USER", "root"), os.Getenv("DB_PASSWORD"),
			envOr("DB_HOST", "127.0.0.1"), envOr("DB_PORT", "3306"), envOr("DB_NAME", "zhida"),
		)
	}

	return Config{
		HTTPAddr: envOr("HTTP_ADDR", ":8000"),
		LogLevel: strings.ToLower(envOr("LOG_LEVEL", "info")),

		DBDriver: strings.ToLower(envOr("DB_DRIVER", "mysql")),
		DBDSN:    dsn,
		DBEcho:   envBool("DB_ECHO", false),

		JWTSecret:      envOr("JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:       time.Duration(envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		RateLimitHour:  int64(envInt("RATE_LIMIT_PER_HOUR", 60)),
		ChatWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 5),
		TitleLength:    envInt("SESSION_TITLE_LENGTH", 50),

		DefaultSystemPrompt: os.Getenv("DEFAULT_SYSTEM_PROMPT"),
		Temperature:         envFloat("TEMPERATURE", 0.7),
		MaxTokens:           envInt("MAX_TOKENS", 2000),

		AIProvider:        strings.ToLower(envOr("AI_PROVIDER", "openai")),
		OpenAIBaseURL:     envOr("OPENAI_API_BASE", "https://api.openai.com/v1"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       envOr("OPENAI_MODEL", "gpt-3.5-turbo"),
		OllamaBaseURL:     envOr("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       envOr("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: envOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   envOr("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),
		ProviderTimeout:   envDuration("AI_TIMEOUT", 90*time.Second),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       envOr("RABBIT_QUEUE", "chat_jobs"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 2),
	}
}

// Validate reports the first setting that would make the process unusable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: got %q", ErrUnsupportedDriver, c.DBDriver)
	}
	switch c.AIProvider {
	case "openai", "ollama", "openrouter":
	default:
		return fmt.Errorf("%w: got %q", ErrUnsupportedAI, c.AIProvider)
	}
	if c.ChatWindowSize <= 0 || c.ChatWindowSize > 100 {
		return ErrInvalidContextSize
	}
	return nil
}

// DefaultModel returns the model configured for the selected provider.
func (c Config) DefaultModel() string {
	switch c.AIProvider {
	case "ollama":
		return c.OllamaModel
	case "openrouter":
		return c.OpenRouterModel
	default:
		return c.OpenAIModel
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
