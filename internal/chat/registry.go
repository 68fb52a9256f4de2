package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/tentacle/internal/config"
	"github.com/memohai/tentacle/internal/instance"
)

// Registry hands out providers for resolved AI settings. Clients are cached
// per provider, key and base URL.
type Registry struct {
	logger   *slog.Logger
	keys     config.ProvidersConfig
	mu       sync.Mutex
	clients  map[clientKey]Provider
	override map[string]Provider
}

type clientKey struct {
	provider string
	apiKey   string
	baseURL  string
}

func NewRegistry(log *slog.Logger, keys config.ProvidersConfig) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		logger:   log.With(slog.String("service", "chat_registry")),
		keys:     keys,
		clients:  map[clientKey]Provider{},
		override: map[string]Provider{},
	}
}

// Register pins a provider name to a fixed implementation.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override[name] = p
}

// For returns the provider serving settings.
func (r *Registry) For(ctx context.Context, s instance.AISettings) (Provider, error) {
	name, err := normalizeProvider(s.Provider)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.override[name]; ok {
		return p, nil
	}
	key := clientKey{provider: name, baseURL: s.BaseURL}
	switch name {
	case ProviderGemini:
		key.apiKey = firstNonEmpty(s.APIKey, r.keys.GeminiAPIKey)
	case ProviderOpenAI:
		key.apiKey = firstNonEmpty(s.APIKey, r.keys.OpenAIAPIKey)
		key.baseURL = firstNonEmpty(s.BaseURL, r.keys.OpenAIBaseURL)
	case ProviderAnthropic:
		key.apiKey = firstNonEmpty(s.APIKey, r.keys.AnthropicAPIKey)
	case ProviderOllama:
		key.baseURL = firstNonEmpty(s.BaseURL, r.keys.OllamaBaseURL)
	}
	if p, ok := r.clients[key]; ok {
		return p, nil
	}

	var p Provider
	switch name {
	case ProviderGemini:
		gp, err := NewGoogleProvider(ctx, key.apiKey, key.baseURL)
		if err != nil {
			return nil, err
		}
		p = gp
	case ProviderOpenAI:
		p = NewOpenAIProvider(key.apiKey, key.baseURL)
	case ProviderAnthropic:
		p = NewAnthropicProvider(key.apiKey, key.baseURL)
	case ProviderOllama:
		p = NewOllamaProvider(key.baseURL)
	case ProviderDebug:
		p = DebugProvider{}
	}
	r.clients[key] = p
	r.logger.Info("provider client created", slog.String("provider", name), slog.String("base_url", key.baseURL))
	return p, nil
}

func normalizeProvider(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProviderGemini, "google":
		return ProviderGemini, nil
	case ProviderOpenAI, "openai-compat":
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	case ProviderOllama:
		return ProviderOllama, nil
	case ProviderDebug:
		return ProviderDebug, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
