package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memex-go/internal/embedder"
	"github.com/54b3r/memex-go/internal/rag"
	"github.com/54b3r/memex-go/internal/storage"
	"github.com/54b3r/memex-go/internal/version"
)

// stack is the fully wired storage and RAG pipeline shared by serve,
// index and search.
type stack struct {
	engine   *storage.Engine
	slot     *embedder.Slot
	pipeline *rag.Pipeline
}

// Close releases the storage engine.
func (s *stack) Close() error {
	return s.engine.Close()
}

// buildStack opens storage, prepares the collection, probes the embedding
// provider and assembles the pipeline. reg may be nil, in which case no
// metrics are registered.
func buildStack(ctx context.Context, rt *runtime, reg prometheus.Registerer) (*stack, error) {
	cfg, log := rt.cfg, rt.log

	engine, err := storage.Open(cfg, reg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := engine.EnsureCollection(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to prepare collection %q: %w", cfg.Storage.Collection, err)
	}

	if err := embedder.Validate(cfg, log); err != nil {
		_ = engine.Close()
		return nil, err
	}
	provider, err := embedder.NewFromConfig(cfg)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	provider = embedder.Probe(ctx, provider, cfg, log)
	log.Info("embedder initialised",
		slog.String("provider", provider.Name()),
		slog.Int("dimensions", cfg.Embedding.Dimensions),
	)
	slot := embedder.NewSlot(provider, log)

	extractor := rag.SourceExtractor{
		HTTP: rag.HTTPExtractor{UserAgent: version.ServerName + "/" + version.Version},
	}
	pipeline, err := rag.NewPipeline(engine, slot, extractor, rag.Config{
		ChunkSize:        cfg.RAG.ChunkSize,
		ChunkOverlap:     cfg.RAG.ChunkOverlap,
		DefaultNamespace: cfg.RAG.DefaultNamespace,
		OverFetch:        cfg.RAG.OverFetch,
	}, log)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &stack{engine: engine, slot: slot, pipeline: pipeline}, nil
}
