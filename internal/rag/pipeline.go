// Package rag implements the retrieval pipeline: documents are split into
// overlapping chunks, embedded, and written through the storage engine;
// searches embed the query, over-fetch candidates from the vector index and
// let the reranker pick the final order.
package rag

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/memex-go/internal/embedder"
	"github.com/54b3r/memex-go/internal/storage"
)

// Metadata keys written on document chunks.
const (
	MetaPath        = "path"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"
)

// manifestPrefix prefixes the blob keys recording indexed documents.
const manifestPrefix = "manifest/"

// Store is the subset of *storage.Engine the pipeline uses.
type Store interface {
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	SetBlob(ctx context.Context, key string, value []byte) error
	DeleteBlobPrefix(ctx context.Context, prefix string) (int, error)
	UpsertVectors(ctx context.Context, chunks []storage.Chunk) error
	QueryVector(ctx context.Context, namespace string, embedding []float32, limit int) ([]storage.ScoredChunk, error)
	GetVector(ctx context.Context, namespace, id string) (*storage.Chunk, error)
	DeleteVector(ctx context.Context, namespace, id string) (int, error)
	DeleteNamespace(ctx context.Context, namespace string) (int, error)
}

// Embedder is the serialised embedding capability; *embedder.Slot
// satisfies it, acquiring a lease per call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Rerank(ctx context.Context, query string, docs []string) ([]embedder.Ranked, error)
}

// Config holds the pipeline settings.
type Config struct {
	// ChunkSize is the chunk length in characters (default 512).
	ChunkSize int
	// ChunkOverlap is the number of characters consecutive chunks share (default 128).
	ChunkOverlap int
	// DefaultNamespace is used when a caller omits the namespace (default "default").
	DefaultNamespace string
	// OverFetch multiplies k to size the candidate pool before reranking (default 3).
	OverFetch int
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Score     float32        `json:"score"`
	Namespace string         `json:"namespace"`
	Metadata  map[string]any `json:"metadata"`
}

// manifest records the last indexing of a document.
type manifest struct {
	Path        string    `json:"path"`
	Namespace   string    `json:"namespace"`
	TotalChunks int       `json:"total_chunks"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Pipeline orchestrates chunk → embed → store for writes and
// embed → over-fetch → rerank for searches. It is safe for concurrent use.
type Pipeline struct {
	store     Store
	embedder  Embedder
	extractor Extractor
	cfg       Config
	log       *slog.Logger
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(store Store, emb Embedder, extractor Extractor, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if emb == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if extractor == nil {
		extractor = FileExtractor{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = min(128, cfg.ChunkSize/4)
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "default"
	}
	if cfg.OverFetch < 1 {
		cfg.OverFetch = 3
	}
	return &Pipeline{store: store, embedder: emb, extractor: extractor, cfg: cfg, log: log}, nil
}

// namespace returns ns or the default namespace when ns is empty.
func (p *Pipeline) namespace(ns string) string {
	if ns == "" {
		return p.cfg.DefaultNamespace
	}
	return ns
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// IndexDocument extracts, chunks and embeds the document at path and
// upserts one chunk per piece with id "<path>_<index>". Every piece is
// embedded before anything is written, so an embedding failure leaves the
// store untouched. Chunks left over from a previous, longer version of the
// document are removed. It returns the number of chunks written.
func (p *Pipeline) IndexDocument(ctx context.Context, path, namespace string) (int, error) {
	ns := p.namespace(namespace)
	start := time.Now()

	text, err := p.extractor.Extract(ctx, path)
	if err != nil {
		return 0, err
	}
	pieces := ChunkText(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)

	chunks := make([]storage.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		emb, err := p.embedder.Embed(ctx, piece)
		if err != nil {
			return 0, fmt.Errorf("rag: embedding chunk %d of %s failed: %w", i, path, err)
		}
		chunks = append(chunks, storage.Chunk{
			Namespace: ns,
			ID:        documentChunkID(path, i),
			Text:      piece,
			Metadata: map[string]any{
				MetaPath:        path,
				MetaChunkIndex:  i,
				MetaTotalChunks: len(pieces),
			},
			Embedding: emb,
		})
	}

	prev, err := p.readManifest(ctx, ns, path)
	if err != nil {
		return 0, err
	}

	if err := p.store.UpsertVectors(ctx, chunks); err != nil {
		return 0, fmt.Errorf("rag: upsert failed for %s: %w", path, err)
	}

	if prev != nil {
		for i := len(chunks); i < prev.TotalChunks; i++ {
			if _, err := p.store.DeleteVector(ctx, ns, documentChunkID(path, i)); err != nil {
				return 0, fmt.Errorf("rag: removing stale chunk %d of %s: %w", i, path, err)
			}
		}
	}

	if err := p.writeManifest(ctx, manifest{
		Path:        path,
		Namespace:   ns,
		TotalChunks: len(chunks),
		IndexedAt:   time.Now().UTC(),
	}); err != nil {
		return 0, err
	}

	p.log.Info("rag: indexed document",
		slog.String("path", path),
		slog.String("namespace", ns),
		slog.Int("chunks", len(chunks)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return len(chunks), nil
}

// IndexText stores text as a single chunk and returns the effective id,
// generating a UUID when id is empty.
func (p *Pipeline) IndexText(ctx context.Context, namespace, id, text string, metadata map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := p.upsertOne(ctx, p.namespace(namespace), id, text, metadata); err != nil {
		return "", err
	}
	return id, nil
}

// MemoryUpsert embeds text and stores or replaces (namespace, id).
func (p *Pipeline) MemoryUpsert(ctx context.Context, namespace, id, text string, metadata map[string]any) error {
	if id == "" {
		return errors.New("rag: memory id must not be empty")
	}
	return p.upsertOne(ctx, p.namespace(namespace), id, text, metadata)
}

// upsertOne embeds and writes a single chunk.
func (p *Pipeline) upsertOne(ctx context.Context, ns, id, text string, metadata map[string]any) error {
	emb, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("rag: embedding failed: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	err = p.store.UpsertVectors(ctx, []storage.Chunk{{
		Namespace: ns,
		ID:        id,
		Text:      text,
		Metadata:  metadata,
		Embedding: emb,
	}})
	if err != nil {
		return fmt.Errorf("rag: upsert %s/%s failed: %w", ns, id, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads and deletes
// ---------------------------------------------------------------------------

// MemoryGet returns the chunk for (namespace, id), or nil if absent.
func (p *Pipeline) MemoryGet(ctx context.Context, namespace, id string) (*storage.Chunk, error) {
	return p.store.GetVector(ctx, p.namespace(namespace), id)
}

// MemoryDelete removes (namespace, id) and returns the rows removed.
// Deleting an absent chunk returns 0.
func (p *Pipeline) MemoryDelete(ctx context.Context, namespace, id string) (int, error) {
	return p.store.DeleteVector(ctx, p.namespace(namespace), id)
}

// PurgeNamespace removes every chunk and document manifest in namespace and
// returns the number of chunks removed.
func (p *Pipeline) PurgeNamespace(ctx context.Context, namespace string) (int, error) {
	ns := p.namespace(namespace)
	n, err := p.store.DeleteNamespace(ctx, ns)
	if err != nil {
		return 0, err
	}
	if _, err := p.store.DeleteBlobPrefix(ctx, manifestNamespacePrefix(ns)); err != nil {
		return n, fmt.Errorf("rag: removing manifests of %q: %w", ns, err)
	}
	p.log.Info("rag: purged namespace", slog.String("namespace", ns), slog.Int("removed", n))
	return n, nil
}

// Search returns the k best chunks for query across every namespace when
// namespace is empty, or within namespace otherwise.
func (p *Pipeline) Search(ctx context.Context, namespace, query string, k int) ([]SearchResult, error) {
	return p.search(ctx, namespace, query, k)
}

// MemorySearch is Search scoped to one namespace (the default when empty).
func (p *Pipeline) MemorySearch(ctx context.Context, namespace, query string, k int) ([]SearchResult, error) {
	return p.search(ctx, p.namespace(namespace), query, k)
}

// search embeds query, fetches OverFetch*k candidates, reranks them and
// returns at most k results in non-increasing score order.
func (p *Pipeline) search(ctx context.Context, ns, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		return []SearchResult{}, nil
	}

	qv, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}

	candidates, err := p.store.QueryVector(ctx, ns, qv, k*p.cfg.OverFetch)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}
	if len(candidates) == 0 {
		return []SearchResult{}, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	ranked, err := p.embedder.Rerank(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("rag: rerank failed: %w", err)
	}

	// Drop out-of-range and repeated indices, then order by score.
	seen := make(map[int]bool, len(ranked))
	kept := make([]embedder.Ranked, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(candidates) || seen[r.Index] {
			continue
		}
		seen[r.Index] = true
		kept = append(kept, r)
	}
	slices.SortStableFunc(kept, func(a, b embedder.Ranked) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	results := make([]SearchResult, 0, len(kept))
	for _, r := range kept {
		c := candidates[r.Index]
		md := c.Metadata
		if md == nil {
			md = map[string]any{}
		}
		results = append(results, SearchResult{
			ID:        c.ID,
			Text:      c.Text,
			Score:     r.Score,
			Namespace: c.Namespace,
			Metadata:  md,
		})
	}
	return results, nil
}

// ---------------------------------------------------------------------------
// Manifests
// ---------------------------------------------------------------------------

// documentChunkID returns the id of piece index of the document at path.
func documentChunkID(path string, index int) string {
	return fmt.Sprintf("%s_%d", path, index)
}

// manifestNamespacePrefix returns the key prefix of every manifest in ns.
func manifestNamespacePrefix(ns string) string {
	return manifestPrefix + url.PathEscape(ns) + "/"
}

// manifestKey returns the blob key of the manifest for (ns, path).
func manifestKey(ns, path string) string {
	return manifestNamespacePrefix(ns) + path
}

// readManifest returns the stored manifest or nil if the document has not
// been indexed before.
func (p *Pipeline) readManifest(ctx context.Context, ns, path string) (*manifest, error) {
	raw, ok, err := p.store.GetBlob(ctx, manifestKey(ns, path))
	if err != nil {
		return nil, fmt.Errorf("rag: reading manifest for %s: %w", path, err)
	}
	if !ok {
		return nil, nil
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		p.log.Warn("rag: ignoring corrupt manifest", slog.String("path", path), slog.String("error", err.Error()))
		return nil, nil
	}
	return &m, nil
}

// writeManifest persists m.
func (p *Pipeline) writeManifest(ctx context.Context, m manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rag: encoding manifest: %w", err)
	}
	if err := p.store.SetBlob(ctx, manifestKey(m.Namespace, m.Path), raw); err != nil {
		return fmt.Errorf("rag: writing manifest for %s: %w", m.Path, err)
	}
	return nil
}
