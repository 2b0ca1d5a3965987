package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/54b3r/memex-go/internal/config"
)

// Provider names accepted in embedding.provider and embedding.fallback.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

// defaultOllamaHost is used when embedding.endpoint is empty for ollama.
const defaultOllamaHost = "http://localhost:11434"

// NewFromConfig constructs the Provider selected by cfg.Embedding.Provider.
func NewFromConfig(cfg *config.Config) (Provider, error) {
	e := cfg.Embedding
	switch e.Provider {
	case ProviderOpenAI, "":
		if e.Endpoint == "" {
			return nil, fmt.Errorf("embedder: openai requires embedding.endpoint (EMBEDDING_ENDPOINT)")
		}
		return NewOpenAIProvider(&OpenAIConfig{
			BaseURL:           e.Endpoint,
			RerankURL:         e.RerankEndpoint,
			APIKey:            e.APIKey,
			Model:             e.Model,
			RerankModel:       e.RerankModel,
			Timeout:           e.Timeout,
			RequestsPerSecond: e.RequestsPerSecond,
		}), nil

	case ProviderOllama:
		host := e.Endpoint
		if host == "" {
			host = defaultOllamaHost
		}
		return NewOllamaProvider(&OllamaConfig{
			Host:    host,
			Model:   e.Model,
			Timeout: e.Timeout,
		}), nil

	case ProviderHash:
		return NewHashProvider(e.Dimensions), nil

	default:
		return nil, fmt.Errorf("embedder: unknown provider %q, valid values: openai, ollama, hash", e.Provider)
	}
}

// Probe pings p once at startup. An unreachable provider is not fatal:
// with embedding.fallback set to "hash" the HashProvider is returned
// instead, otherwise p is returned unchanged and the server runs degraded,
// failing embedding calls as they happen.
func Probe(ctx context.Context, p Provider, cfg *config.Config, log *slog.Logger) Provider {
	err := p.Ping(ctx)
	if err == nil {
		log.Info("embedder: provider reachable", slog.String("provider", p.Name()))
		return p
	}

	if cfg.Embedding.Fallback == ProviderHash {
		log.Warn("embedder: provider unreachable, using hash fallback",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
		return NewHashProvider(cfg.Embedding.Dimensions)
	}

	log.Warn("embedder: provider unreachable, starting degraded",
		slog.String("provider", p.Name()),
		slog.String("error", err.Error()),
		slog.String("hint", "embedding tools will fail until the provider is reachable; set embedding.fallback: hash to run offline"),
	)
	return p
}
