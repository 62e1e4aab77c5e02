package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xushuhui/zhida/internal/config"
)

// ProviderFactory builds a provider for model; an empty model means the provider default.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// NewRegistryFromConfig registers openai, ollama and openrouter with the configured
// endpoints and credentials.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	r := NewRegistry()
	r.Register("openai", func(_ context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, pick(model, cfg.OpenAIModel), cfg.ProviderTimeout), nil
	})
	r.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel), cfg.ProviderTimeout), nil
	})
	r.Register("openrouter", func(_ context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, pick(model, cfg.OpenRouterModel),
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName, cfg.ProviderTimeout), nil
	})
	return r
}

func pick(model, def string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return def
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}
