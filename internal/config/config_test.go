package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("AI_PROVIDER", "")
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "")

	cfg := Load()
	if cfg.AIProvider != "openai" {
		t.Fatalf("expected default provider openai, got %q", cfg.AIProvider)
	}
	if cfg.ChatWindowSize != 5 {
		t.Fatalf("expected window 5, got %d", cfg.ChatWindowSize)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("expected 30m token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.DBDSN == "" {
		t.Fatalf("expected a generated mysql dsn")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "file:zhida.db")
	t.Setenv("AI_PROVIDER", "ollama")
	t.Setenv("OLLAMA_MODEL", "qwen2:7b")
	t.Setenv("TEMPERATURE", "0.2")
	t.Setenv("MAX_TOKENS", "not-a-number")

	cfg := Load()
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected driver to be lower-cased, got %q", cfg.DBDriver)
	}
	if cfg.DefaultModel() != "qwen2:7b" {
		t.Fatalf("unexpected default model %q", cfg.DefaultModel())
	}
	if cfg.Temperature != 0.2 {
		t.Fatalf("unexpected temperature %v", cfg.Temperature)
	}
	if cfg.MaxTokens != 2000 {
		t.Fatalf("invalid MAX_TOKENS should fall back to default, got %d", cfg.MaxTokens)
	}
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := Load()
	cfg.DBDriver = "oracle"
	if err := cfg.Validate(); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}

	cfg = Load()
	cfg.JWTSecret = " "
	if err := cfg.Validate(); !errors.Is(err, ErrMissingJWTSecret) {
		t.Fatalf("expected ErrMissingJWTSecret, got %v", err)
	}
}
