package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/memex-go/internal/config"
)

// knownChatModelFragments contains name fragments that identify
// chat/completion models which are NOT suitable for embedding. Names that
// also contain "embed" or "rerank" are dedicated models and are exempt.
var knownChatModelFragments = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding or rerank model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") || strings.Contains(lower, "rerank") {
		return false
	}
	for _, frag := range knownChatModelFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Validate checks that the embedding configuration is usable. It returns an
// error if the configuration is clearly broken and logs a warning if a
// model name looks like a chat model.
//
// Call it before constructing the provider so operators get a clear error
// at startup rather than a cryptic failure during the first embed call.
func Validate(cfg *config.Config, log *slog.Logger) error {
	e := cfg.Embedding
	switch e.Provider {
	case ProviderOpenAI, "":
		if e.Endpoint == "" {
			return fmt.Errorf("embedder: openai provider requires embedding.endpoint")
		}
		if e.Model == "" {
			return fmt.Errorf("embedder: openai provider requires embedding.model")
		}
		if e.RerankModel == "" {
			log.Warn("embedder: embedding.rerank_model is empty, the server will pick its default reranker")
		}
	case ProviderOllama:
		if e.Model == "" {
			return fmt.Errorf("embedder: ollama provider requires embedding.model")
		}
	case ProviderHash:
	default:
		return fmt.Errorf("embedder: unknown provider %q, valid values: openai, ollama, hash", e.Provider)
	}

	switch e.Fallback {
	case "", ProviderHash:
	default:
		return fmt.Errorf("embedder: unsupported fallback %q, valid values: hash", e.Fallback)
	}

	for _, m := range []string{e.Model, e.RerankModel} {
		if m != "" && looksLikeChatModel(m) {
			log.Warn("embedder: model looks like a chat model, not an embedding model; "+
				"this will likely produce poor or broken embeddings",
				slog.String("model", m),
				slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, Qwen3-Embedding"),
			)
		}
	}
	return nil
}
