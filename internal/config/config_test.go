package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/memex-go/internal/logging"
)

// writeFile creates name under dir with the given contents.
func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// TestDefault_IsValid verifies that the built-in defaults pass validation
// and carry the documented chunking parameters.
func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.RAG.ChunkSize != 512 || cfg.RAG.ChunkOverlap != 128 {
		t.Errorf("chunking = %d/%d, want 512/128", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if cfg.RAG.DefaultNamespace != "default" {
		t.Errorf("DefaultNamespace = %q, want default", cfg.RAG.DefaultNamespace)
	}
	for _, f := range []string{FeatureFilesystem, FeatureMemory, FeatureSearch} {
		if !slices.Contains(cfg.Features, f) {
			t.Errorf("feature %q should be enabled by default", f)
		}
	}
}

// TestValidate_RejectsBadValues verifies that each invalid field is reported.
func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero max request", func(c *Config) { c.Server.MaxRequestBytes = 0 }, "max_request_bytes"},
		{"negative cache", func(c *Config) { c.Storage.CacheMB = -1 }, "cache_mb"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "pinecone" }, "storage.backend"},
		{"zero dims", func(c *Config) { c.Embedding.Dimensions = 0 }, "dimensions"},
		{"overlap >= size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }, "chunk_overlap"},
		{"unknown feature", func(c *Config) { c.Features = []string{"telepathy"} }, "telepathy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// TestLoad_YAMLFile verifies that YAML values override defaults while
// unspecified fields keep their default values.
func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "memex.yaml", `
features: [memory, search]
storage:
  db_path: /tmp/memex-test
  cache_mb: 64
embedding:
  provider: hash
  dimensions: 256
  timeout: 5s
rag:
  chunk_size: 100
  chunk_overlap: 10
`)

	cfg, used, err := Load(p, logging.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != p {
		t.Errorf("used path = %q, want %q", used, p)
	}
	if cfg.Storage.DBPath != "/tmp/memex-test" || cfg.Storage.CacheMB != 64 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimensions != 256 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	if cfg.Embedding.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Embedding.Timeout)
	}
	if slices.Contains(cfg.Features, FeatureFilesystem) {
		t.Error("filesystem feature should be disabled by file")
	}
	if cfg.Storage.Collection != "memex_chunks" {
		t.Errorf("collection default lost: %q", cfg.Storage.Collection)
	}
}

// TestLoad_TOMLFile verifies that .toml files are parsed as TOML.
func TestLoad_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.toml", `
[storage]
db_path = "/var/lib/memex"
cache_mb = 128

[embedding]
model = "nomic-embed-text"
dimensions = 768
`)

	cfg, _, err := Load(p, logging.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DBPath != "/var/lib/memex" || cfg.Storage.CacheMB != 128 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.Dimensions != 768 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
}

// TestLoad_EnvOverridesFile verifies that environment variables take
// precedence over config file values.
func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "memex.yaml", "storage:\n  cache_mb: 64\n")
	t.Setenv("MEMEX_CACHE_MB", "32")
	t.Setenv("EMBEDDING_DIMENSIONS", "384")
	t.Setenv("MEMEX_FEATURES", "memory, search")
	t.Setenv("QDRANT_TLS", "true")

	cfg, _, err := Load(p, logging.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.CacheMB != 32 {
		t.Errorf("CacheMB = %d, want 32", cfg.Storage.CacheMB)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("Dimensions = %d, want 384", cfg.Embedding.Dimensions)
	}
	if len(cfg.Features) != 2 || slices.Contains(cfg.Features, FeatureFilesystem) {
		t.Errorf("Features = %v", cfg.Features)
	}
	if !cfg.Storage.Qdrant.TLS {
		t.Error("QDRANT_TLS not applied")
	}
}

// TestLoad_InvalidEnvValue verifies that malformed numeric env vars fail
// loudly instead of being ignored.
func TestLoad_InvalidEnvValue(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "memex.yaml", "{}\n")
	t.Setenv("MEMEX_CACHE_MB", "lots")

	_, _, err := Load(p, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "MEMEX_CACHE_MB") {
		t.Fatalf("expected MEMEX_CACHE_MB error, got %v", err)
	}
}

// TestLoad_MissingExplicitPath verifies that a --config path that does not
// exist is an error rather than a silent fallback.
func TestLoad_MissingExplicitPath(t *testing.T) {
	t.Parallel()
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), logging.Discard())
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

// TestExpandHome verifies tilde expansion.
func TestExpandHome(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandHome("~/.memex/data")
	if err != nil {
		t.Fatalf("ExpandHome: %v", err)
	}
	if want := filepath.Join(home, ".memex", "data"); got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if got, _ := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}

// TestParseFeatures verifies that blanks and whitespace are dropped.
func TestParseFeatures(t *testing.T) {
	t.Parallel()
	got := ParseFeatures(" memory,, search ,")
	if len(got) != 2 || got[0] != "memory" || got[1] != "search" {
		t.Errorf("ParseFeatures = %v", got)
	}
}
