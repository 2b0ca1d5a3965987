package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memex-go/internal/config"
)

// Open builds an Engine from cfg: the blob store at <db_path>/chunks.db, a
// cache of cache_mb MiB, and the configured vector backend (chromem under
// <db_path>/vectors, or Qdrant). EnsureCollection is left to the caller.
func Open(cfg *config.Config, reg prometheus.Registerer, log *slog.Logger) (*Engine, error) {
	dir, err := cfg.ExpandedDBPath()
	if err != nil {
		return nil, err
	}

	blobs, err := OpenBlobStore(filepath.Join(dir, "chunks.db"))
	if err != nil {
		return nil, err
	}

	cache, err := NewCache(int64(cfg.Storage.CacheMB)<<20, reg)
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}

	var index VectorIndex
	switch cfg.Storage.Backend {
	case config.BackendQdrant:
		index, err = NewQdrantIndex(QdrantConfig{
			Host:   cfg.Storage.Qdrant.Host,
			Port:   cfg.Storage.Qdrant.Port,
			APIKey: cfg.Storage.Qdrant.APIKey,
			UseTLS: cfg.Storage.Qdrant.TLS,
		})
	default:
		index, err = NewChromemIndex(filepath.Join(dir, "vectors"))
	}
	if err != nil {
		cache.Close()
		_ = blobs.Close()
		return nil, fmt.Errorf("storage: open %s index: %w", cfg.Storage.Backend, err)
	}

	log.Info("storage: opened",
		slog.String("db_path", dir),
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("cache_mb", cfg.Storage.CacheMB),
	)

	return NewEngine(EngineConfig{
		Collection: cfg.Storage.Collection,
		Dimension:  cfg.Embedding.Dimensions,
	}, cache, blobs, index, log), nil
}
