// Package audit emits a single structured record when a memex command
// starts. The record carries the command name, the config file that was read
// and the resolved settings, so operators can see which storage and provider
// a process actually used.
//
// Secrets are recorded as "set" or "unset", never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/memex-go/internal/config"
)

// LogCommandStart logs the resolved configuration for command at info level.
func LogCommandStart(log *slog.Logger, command, configPath string, cfg *config.Config) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitisePath(configPath)),
		slog.String("features", strings.Join(cfg.Features, ",")),
		slog.Group("storage",
			slog.String("db_path", sanitisePath(cfg.Storage.DBPath)),
			slog.Int("cache_mb", cfg.Storage.CacheMB),
			slog.String("backend", cfg.Storage.Backend),
			slog.String("collection", cfg.Storage.Collection),
		),
		slog.Group("embedding",
			slog.String("provider", cfg.Embedding.Provider),
			slog.String("endpoint", valOrUnset(cfg.Embedding.Endpoint)),
			slog.String("model", valOrUnset(cfg.Embedding.Model)),
			slog.String("rerank_model", valOrUnset(cfg.Embedding.RerankModel)),
			slog.Int("dimensions", cfg.Embedding.Dimensions),
			slog.String("api_key", presence(cfg.Embedding.APIKey)),
			slog.String("fallback", valOrUnset(cfg.Embedding.Fallback)),
		),
		slog.Group("server",
			slog.Int("max_request_bytes", cfg.Server.MaxRequestBytes),
			slog.String("http_addr", valOrUnset(cfg.Server.HTTPAddr)),
			slog.String("api_key", presence(cfg.Server.APIKey)),
		),
	}
	if cfg.Storage.Backend == config.BackendQdrant {
		attrs = append(attrs, slog.Group("qdrant",
			slog.String("host", cfg.Storage.Qdrant.Host),
			slog.Int("port", cfg.Storage.Qdrant.Port),
			slog.Bool("tls", cfg.Storage.Qdrant.TLS),
			slog.String("api_key", presence(cfg.Storage.Qdrant.APIKey)),
		))
	}

	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitisePath returns p with the home directory collapsed to "~", or
// "none" if p is empty.
func sanitisePath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
