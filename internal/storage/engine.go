package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sentinel errors returned by the Engine.
var (
	// ErrCollectionNotReady is returned by vector operations issued before
	// EnsureCollection has succeeded.
	ErrCollectionNotReady = errors.New("storage: vector collection not initialised")

	// ErrDimensionMismatch is returned when an embedding's length differs
	// from the collection's recorded dimension.
	ErrDimensionMismatch = errors.New("storage: embedding dimension mismatch")
)

// schemaKeyPrefix prefixes the blob keys holding collection schema records.
const schemaKeyPrefix = "meta/collection/"

// EngineConfig is the explicit configuration of an Engine.
type EngineConfig struct {
	// Collection is the vector collection name.
	Collection string
	// Dimension is the embedding length every vector must have.
	Dimension int
}

// collectionSchema is persisted in the blob store for each collection.
type collectionSchema struct {
	Dimension int       `json:"dimension"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine composes the cache, the persistent blob store and the vector index
// behind one API. It is safe for concurrent use.
type Engine struct {
	cfg   EngineConfig
	cache *Cache
	blobs BlobStore
	index VectorIndex
	log   *slog.Logger

	ready atomic.Bool
}

// NewEngine assembles an Engine. The Engine takes ownership of every
// component and closes them in Close. cache may be nil.
func NewEngine(cfg EngineConfig, cache *Cache, blobs BlobStore, index VectorIndex, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, cache: cache, blobs: blobs, index: index, log: log}
}

// Dimension returns the configured embedding dimension.
func (e *Engine) Dimension() int {
	return e.cfg.Dimension
}

// GetBlob returns the value for key, reading through the cache. A store
// hit backfills the cache.
func (e *Engine) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := e.cache.Get(key); ok {
		return v, true, nil
	}
	v, ok, err := e.blobs.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	e.cache.Set(key, v)
	return v, true, nil
}

// SetBlob writes value to the cache, then to the store, then flushes the
// store. If the store write fails the cache entry is dropped again so the
// cache never holds the only copy.
func (e *Engine) SetBlob(ctx context.Context, key string, value []byte) error {
	e.cache.Set(key, value)
	if err := e.blobs.Put(ctx, key, value); err != nil {
		e.cache.Delete(key)
		return err
	}
	if err := e.blobs.Flush(ctx); err != nil {
		e.cache.Delete(key)
		return err
	}
	return nil
}

// DeleteBlob removes key from the store and the cache.
func (e *Engine) DeleteBlob(ctx context.Context, key string) (bool, error) {
	e.cache.Delete(key)
	return e.blobs.Delete(ctx, key)
}

// DeleteBlobPrefix removes every key with the given prefix and returns the
// number removed.
func (e *Engine) DeleteBlobPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := e.blobs.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		ok, err := e.DeleteBlob(ctx, k)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// EnsureCollection creates the vector collection if absent and checks its
// recorded dimension. It is idempotent. A collection without a schema
// record (created before records existed) has one written.
func (e *Engine) EnsureCollection(ctx context.Context) error {
	if e.cfg.Dimension <= 0 {
		return fmt.Errorf("storage: invalid dimension %d", e.cfg.Dimension)
	}
	key := schemaKeyPrefix + e.cfg.Collection

	raw, found, err := e.GetBlob(ctx, key)
	if err != nil {
		return fmt.Errorf("storage: read schema for %q: %w", e.cfg.Collection, err)
	}
	if found {
		var s collectionSchema
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("storage: corrupt schema for %q: %w", e.cfg.Collection, err)
		}
		if s.Dimension != e.cfg.Dimension {
			return fmt.Errorf("%w: collection %q has dimension %d, configured %d",
				ErrDimensionMismatch, e.cfg.Collection, s.Dimension, e.cfg.Dimension)
		}
	}

	if err := e.index.EnsureCollection(ctx, e.cfg.Collection, e.cfg.Dimension); err != nil {
		return err
	}

	if !found {
		raw, err := json.Marshal(collectionSchema{Dimension: e.cfg.Dimension, CreatedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("storage: encode schema: %w", err)
		}
		if err := e.SetBlob(ctx, key, raw); err != nil {
			return fmt.Errorf("storage: write schema for %q: %w", e.cfg.Collection, err)
		}
		e.log.Info("storage: collection schema recorded",
			slog.String("collection", e.cfg.Collection),
			slog.Int("dimension", e.cfg.Dimension),
		)
	}

	e.ready.Store(true)
	return nil
}

// checkReady returns ErrCollectionNotReady until EnsureCollection succeeds.
func (e *Engine) checkReady() error {
	if !e.ready.Load() {
		return ErrCollectionNotReady
	}
	return nil
}

// checkDim validates an embedding against the collection dimension.
func (e *Engine) checkDim(v []float32) error {
	if len(v) != e.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.cfg.Dimension)
	}
	return nil
}

// UpsertVector inserts or replaces one chunk.
func (e *Engine) UpsertVector(ctx context.Context, c Chunk) error {
	return e.UpsertVectors(ctx, []Chunk{c})
}

// UpsertVectors inserts or replaces chunks by (namespace, id).
func (e *Engine) UpsertVectors(ctx context.Context, chunks []Chunk) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.Namespace == "" || c.ID == "" {
			return fmt.Errorf("storage: chunk requires namespace and id (got %q/%q)", c.Namespace, c.ID)
		}
		if err := e.checkDim(c.Embedding); err != nil {
			return err
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	return e.index.Upsert(ctx, chunks)
}

// QueryVector returns up to limit chunks most similar to embedding, best
// first. An empty namespace searches every namespace.
func (e *Engine) QueryVector(ctx context.Context, namespace string, embedding []float32, limit int) ([]ScoredChunk, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if err := e.checkDim(embedding); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	return e.index.Query(ctx, namespace, embedding, limit)
}

// GetVector returns the chunk for (namespace, id) or nil if absent.
func (e *Engine) GetVector(ctx context.Context, namespace, id string) (*Chunk, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	return e.index.Get(ctx, namespace, id)
}

// DeleteVector removes (namespace, id) and returns the rows removed (0 or 1).
func (e *Engine) DeleteVector(ctx context.Context, namespace, id string) (int, error) {
	if err := e.checkReady(); err != nil {
		return 0, err
	}
	ok, err := e.index.Delete(ctx, namespace, id)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

// DeleteNamespace removes every chunk in namespace and returns the count.
func (e *Engine) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	if err := e.checkReady(); err != nil {
		return 0, err
	}
	if namespace == "" {
		return 0, errors.New("storage: namespace must not be empty")
	}
	return e.index.DeleteNamespace(ctx, namespace)
}

// Ping reports ErrCollectionNotReady until EnsureCollection succeeds, then
// checks the blob store and, when supported, the vector index.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	type pinger interface{ Ping(context.Context) error }
	if p, ok := e.blobs.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if p, ok := e.index.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes every component.
func (e *Engine) Close() error {
	var errs []error
	if err := e.blobs.Flush(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := e.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.blobs.Close(); err != nil {
		errs = append(errs, err)
	}
	e.cache.Close()
	return errors.Join(errs...)
}
