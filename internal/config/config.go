// Package config provides layered configuration for memex.
// Configuration is resolved with the precedence: defaults → config file →
// .env file → environment variables. CLI flags are applied last by the
// commands package. The result is an explicit *Config value that is passed
// to every constructor; nothing in the core reads the environment.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. MEMEX_CONFIG environment variable
//  3. ~/.memex/config.yaml, then ~/.memex/config.toml
//  4. ./memex.yaml
//
// Files ending in .toml are parsed as TOML, everything else as YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Feature names accepted in Config.Features.
const (
	FeatureFilesystem = "filesystem"
	FeatureMemory     = "memory"
	FeatureSearch     = "search"
)

// Vector index backends.
const (
	BackendChromem = "chromem"
	BackendQdrant  = "qdrant"
)

// Config is the top-level configuration structure.
type Config struct {
	// Features lists the enabled tool groups (filesystem, memory, search).
	Features []string `yaml:"features" toml:"features"`

	// Server configures the stdio protocol loop and the optional HTTP side-channel.
	Server ServerConfig `yaml:"server" toml:"server"`

	// Storage configures the cache, chunk store and vector index.
	Storage StorageConfig `yaml:"storage" toml:"storage"`

	// Embedding configures the embedding / rerank provider.
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`

	// RAG configures chunking and search.
	RAG RAGConfig `yaml:"rag" toml:"rag"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds protocol and HTTP settings.
type ServerConfig struct {
	// MaxRequestBytes is the largest framed message body accepted on stdio.
	MaxRequestBytes int `yaml:"max_request_bytes" toml:"max_request_bytes"`
	// HTTPAddr enables the HTTP side-channel (/metrics, /readyz, /mcp) when set.
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// APIKey is the Bearer token required on /mcp. Prefer env var MEMEX_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// RateLimit is the sustained per-IP request rate on /mcp (requests/second).
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	// RateBurst is the per-IP burst on /mcp.
	RateBurst int `yaml:"rate_burst" toml:"rate_burst"`
}

// StorageConfig holds cache, chunk store and vector index settings.
type StorageConfig struct {
	// DBPath is the data directory; the chunk store and the embedded vector
	// index live underneath it. "~" is expanded.
	DBPath string `yaml:"db_path" toml:"db_path"`
	// CacheMB is the in-memory cache budget in MiB.
	CacheMB int `yaml:"cache_mb" toml:"cache_mb"`
	// Collection is the vector collection name.
	Collection string `yaml:"collection" toml:"collection"`
	// Backend selects the vector index: chromem (embedded) or qdrant.
	Backend string `yaml:"backend" toml:"backend"`
	// Qdrant holds Qdrant connection settings, used when Backend is qdrant.
	Qdrant QdrantConfig `yaml:"qdrant" toml:"qdrant"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host" toml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port" toml:"port"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls" toml:"tls"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the backend: openai (any OpenAI-compatible server), ollama, hash.
	Provider string `yaml:"provider" toml:"provider"`
	// Endpoint is the embeddings API base URL (e.g. http://localhost:12345/v1).
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// RerankEndpoint is the rerank API base URL. Defaults to Endpoint.
	RerankEndpoint string `yaml:"rerank_endpoint" toml:"rerank_endpoint"`
	// Model is the embedding model name.
	Model string `yaml:"model" toml:"model"`
	// RerankModel is the reranker model name.
	RerankModel string `yaml:"rerank_model" toml:"rerank_model"`
	// Dimensions is the embedding vector size; it fixes the collection schema.
	Dimensions int `yaml:"dimensions" toml:"dimensions"`
	// APIKey is the bearer token for the provider. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// Timeout bounds each HTTP call to the provider.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// RequestsPerSecond throttles provider calls client-side. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	// Fallback names a provider used when the configured one is unreachable
	// at startup. Empty means run degraded.
	Fallback string `yaml:"fallback" toml:"fallback"`
}

// RAGConfig holds chunking and search settings.
type RAGConfig struct {
	// ChunkSize is the chunk length in characters.
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`
	// ChunkOverlap is the number of characters shared by consecutive chunks.
	ChunkOverlap int `yaml:"chunk_overlap" toml:"chunk_overlap"`
	// DefaultNamespace is used when a caller omits the namespace.
	DefaultNamespace string `yaml:"default_namespace" toml:"default_namespace"`
	// OverFetch is the candidate multiplier applied before reranking.
	OverFetch int `yaml:"over_fetch" toml:"over_fetch"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Features: []string{FeatureFilesystem, FeatureMemory, FeatureSearch},
		Server: ServerConfig{
			MaxRequestBytes: 5 * 1024 * 1024,
			RateLimit:       10,
			RateBurst:       20,
		},
		Storage: StorageConfig{
			DBPath:     "~/.memex/data",
			CacheMB:    4096,
			Collection: "memex_chunks",
			Backend:    BackendChromem,
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:    "openai",
			Endpoint:    "http://localhost:12345/v1",
			Model:       "Qwen/Qwen3-Embedding-4B",
			RerankModel: "Qwen/Qwen3-Reranker-4B",
			Dimensions:  2560,
			Timeout:     30 * time.Second,
		},
		RAG: RAGConfig{
			ChunkSize:        512,
			ChunkOverlap:     128,
			DefaultNamespace: "default",
			OverFetch:        3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxRequestBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_request_bytes must be positive, got %d", c.Server.MaxRequestBytes))
	}
	if c.Storage.CacheMB < 0 {
		errs = append(errs, fmt.Errorf("storage.cache_mb must not be negative, got %d", c.Storage.CacheMB))
	}
	if c.Storage.Collection == "" {
		errs = append(errs, errors.New("storage.collection must not be empty"))
	}
	switch c.Storage.Backend {
	case BackendChromem, BackendQdrant:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of chromem, qdrant", c.Storage.Backend))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size), got %d", c.RAG.ChunkOverlap))
	}
	if c.RAG.DefaultNamespace == "" {
		errs = append(errs, errors.New("rag.default_namespace must not be empty"))
	}
	if c.RAG.OverFetch < 1 {
		errs = append(errs, fmt.Errorf("rag.over_fetch must be at least 1, got %d", c.RAG.OverFetch))
	}
	for _, f := range c.Features {
		switch f {
		case FeatureFilesystem, FeatureMemory, FeatureSearch:
		default:
			errs = append(errs, fmt.Errorf("unknown feature %q", f))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ExpandedDBPath returns Storage.DBPath with a leading "~" replaced by the
// user's home directory.
func (c *Config) ExpandedDBPath() (string, error) {
	return ExpandHome(c.Storage.DBPath)
}

// ExpandHome replaces a leading "~" in p with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// ParseFeatures splits a comma-separated feature list, dropping blanks.
func ParseFeatures(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Load resolves the configuration. It returns the config together with the
// path of the file that was read, or an empty path if none was found.
func Load(explicitPath string, log *slog.Logger) (*Config, string, error) {
	cfg := Default()

	path := resolveConfigPath(explicitPath)
	if explicitPath != "" && path == "" {
		return nil, "", fmt.Errorf("config: %s does not exist", explicitPath)
	}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, "", err
		}
		log.Info("config: loaded config file", slog.String("path", path))
	} else {
		log.Debug("config: no config file found, using defaults and env vars")
	}

	// .env never overrides variables already present in the environment.
	if err := godotenv.Load(); err == nil {
		log.Debug("config: loaded .env file")
	}

	applied, err := applyEnv(cfg)
	if err != nil {
		return nil, "", err
	}
	if applied > 0 {
		log.Debug("config: applied environment overrides", slog.Int("keys_applied", applied))
	}

	return cfg, path, nil
}

// decodeFile parses path into cfg, picking the format from the extension.
// Fields absent from the file keep their current values.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("MEMEX_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"config.yaml", "config.toml"} {
			p := filepath.Join(home, ".memex", name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}

	if _, err := os.Stat("memex.yaml"); err == nil {
		return "memex.yaml"
	}

	return ""
}

// envMapping maps environment variables onto config fields. Only non-empty
// variables are applied.
var envMapping = []struct {
	envKey string
	apply  func(c *Config, v string) error
}{
	{"MEMEX_FEATURES", func(c *Config, v string) error { c.Features = ParseFeatures(v); return nil }},
	{"MEMEX_MAX_REQUEST_BYTES", func(c *Config, v string) error { return setInt(&c.Server.MaxRequestBytes, v) }},
	{"MEMEX_HTTP_ADDR", func(c *Config, v string) error { c.Server.HTTPAddr = v; return nil }},
	{"MEMEX_API_KEY", func(c *Config, v string) error { c.Server.APIKey = v; return nil }},
	{"MEMEX_DB_PATH", func(c *Config, v string) error { c.Storage.DBPath = v; return nil }},
	{"MEMEX_CACHE_MB", func(c *Config, v string) error { return setInt(&c.Storage.CacheMB, v) }},
	{"MEMEX_COLLECTION", func(c *Config, v string) error { c.Storage.Collection = v; return nil }},
	{"VECTOR_BACKEND", func(c *Config, v string) error { c.Storage.Backend = v; return nil }},
	{"QDRANT_HOST", func(c *Config, v string) error { c.Storage.Qdrant.Host = v; return nil }},
	{"QDRANT_PORT", func(c *Config, v string) error { return setInt(&c.Storage.Qdrant.Port, v) }},
	{"QDRANT_API_KEY", func(c *Config, v string) error { c.Storage.Qdrant.APIKey = v; return nil }},
	{"QDRANT_TLS", func(c *Config, v string) error { return setBool(&c.Storage.Qdrant.TLS, v) }},
	{"EMBEDDING_PROVIDER", func(c *Config, v string) error { c.Embedding.Provider = v; return nil }},
	{"EMBEDDING_ENDPOINT", func(c *Config, v string) error { c.Embedding.Endpoint = v; return nil }},
	{"RERANK_ENDPOINT", func(c *Config, v string) error { c.Embedding.RerankEndpoint = v; return nil }},
	{"EMBEDDING_MODEL", func(c *Config, v string) error { c.Embedding.Model = v; return nil }},
	{"RERANKER_MODEL", func(c *Config, v string) error { c.Embedding.RerankModel = v; return nil }},
	{"EMBEDDING_DIMENSIONS", func(c *Config, v string) error { return setInt(&c.Embedding.Dimensions, v) }},
	{"EMBEDDING_API_KEY", func(c *Config, v string) error { c.Embedding.APIKey = v; return nil }},
	{"EMBEDDING_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Embedding.Timeout, v) }},
	{"EMBEDDING_RPS", func(c *Config, v string) error { return setFloat(&c.Embedding.RequestsPerSecond, v) }},
	{"EMBEDDING_FALLBACK", func(c *Config, v string) error { c.Embedding.Fallback = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
}

// applyEnv overlays environment variables onto cfg and reports how many
// were applied.
func applyEnv(cfg *Config) (int, error) {
	applied := 0
	for _, m := range envMapping {
		v := strings.TrimSpace(os.Getenv(m.envKey))
		if v == "" {
			continue
		}
		if err := m.apply(cfg, v); err != nil {
			return applied, fmt.Errorf("config: %s: %w", m.envKey, err)
		}
		applied++
	}
	return applied, nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	*dst = d
	return nil
}
