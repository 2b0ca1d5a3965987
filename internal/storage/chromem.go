package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Document metadata keys used by ChromemIndex.
const (
	chromemKeyNamespace = "namespace"
	chromemKeyID        = "id"
	chromemKeyMetadata  = "metadata"
)

// ChromemIndex is a VectorIndex backed by an embedded chromem-go database.
// chromem-go is a pure Go, embedded vector database; with a directory it
// persists every document to disk as it is written.
//
// mu serialises writers against every other operation. chromem's Count and
// QueryEmbedding are separate calls, and its Delete reads the document map
// without the collection lock, so neither is safe against a concurrent
// writer on its own.
type ChromemIndex struct {
	db *chromem.DB

	mu  sync.RWMutex
	col *chromem.Collection
	dim int
}

// NewChromemIndex opens a persistent index under dir, or an in-memory one
// when dir is empty.
func NewChromemIndex(dir string) (*ChromemIndex, error) {
	if dir == "" {
		return &ChromemIndex{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open %s: %w", dir, err)
	}
	return &ChromemIndex{db: db}, nil
}

// EnsureCollection opens or creates the named collection.
func (x *ChromemIndex) EnsureCollection(_ context.Context, name string, dim int) error {
	// No embedding func: every document and query carries its own vector.
	col, err := x.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("chromem: open collection %q: %w", name, err)
	}
	x.mu.Lock()
	x.col, x.dim = col, dim
	x.mu.Unlock()
	return nil
}

// collectionLocked returns the selected collection. x.mu must be held.
func (x *ChromemIndex) collectionLocked() (*chromem.Collection, error) {
	if x.col == nil {
		return nil, ErrCollectionNotReady
	}
	return x.col, nil
}

// Upsert adds or replaces chunks keyed by their point id.
func (x *ChromemIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		md, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}
		docs = append(docs, chromem.Document{
			ID:        PointID(c.Namespace, c.ID),
			Content:   c.Text,
			Embedding: c.Embedding,
			Metadata: map[string]string{
				chromemKeyNamespace: c.Namespace,
				chromemKeyID:        c.ID,
				chromemKeyMetadata:  md,
			},
		})
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	col, err := x.collectionLocked()
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := col.AddDocument(ctx, d); err != nil {
			return fmt.Errorf("chromem: upsert %s: %w", d.ID, err)
		}
	}
	return nil
}

// Query returns the nearest chunks, restricted to namespace when non-empty.
func (x *ChromemIndex) Query(ctx context.Context, namespace string, embedding []float32, limit int) ([]ScoredChunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	col, err := x.collectionLocked()
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	n := min(limit, col.Count())
	if n <= 0 {
		return nil, nil
	}

	var where map[string]string
	if namespace != "" {
		where = map[string]string{chromemKeyNamespace: namespace}
	}
	results, err := col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		c, err := chunkFromChromem(r.Content, r.Metadata, r.Embedding)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredChunk{Chunk: *c, Score: r.Similarity})
	}
	return out, nil
}

// Get returns the chunk stored for (namespace, id), or nil if absent.
func (x *ChromemIndex) Get(ctx context.Context, namespace, id string) (*Chunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	col, err := x.collectionLocked()
	if err != nil {
		return nil, err
	}
	return getLocked(ctx, col, namespace, id)
}

// getLocked looks up (namespace, id) in col.
func getLocked(ctx context.Context, col *chromem.Collection, namespace, id string) (*Chunk, error) {
	// GetByID only fails for unknown ids.
	doc, err := col.GetByID(ctx, PointID(namespace, id))
	if err != nil {
		return nil, nil
	}
	if doc.Metadata[chromemKeyNamespace] != namespace || doc.Metadata[chromemKeyID] != id {
		return nil, nil
	}
	return chunkFromChromem(doc.Content, doc.Metadata, doc.Embedding)
}

// Delete removes (namespace, id) and reports whether it existed.
func (x *ChromemIndex) Delete(ctx context.Context, namespace, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	col, err := x.collectionLocked()
	if err != nil {
		return false, err
	}
	c, err := getLocked(ctx, col, namespace, id)
	if err != nil || c == nil {
		return false, err
	}
	if err := col.Delete(ctx, nil, nil, PointID(namespace, id)); err != nil {
		return false, fmt.Errorf("chromem: delete %s/%s: %w", namespace, id, err)
	}
	return true, nil
}

// DeleteNamespace removes every chunk in namespace.
func (x *ChromemIndex) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	if namespace == "" {
		return 0, errors.New("chromem: namespace must not be empty")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	col, err := x.collectionLocked()
	if err != nil {
		return 0, err
	}
	total := col.Count()
	if total == 0 {
		return 0, nil
	}
	if x.dim <= 0 {
		return 0, fmt.Errorf("chromem: invalid collection dimension %d", x.dim)
	}

	// List the namespace by querying with a unit vector; every member is
	// returned because n covers the whole collection.
	unit := make([]float32, x.dim)
	unit[0] = 1
	results, err := col.QueryEmbedding(ctx, unit, total, map[string]string{chromemKeyNamespace: namespace}, nil)
	if err != nil {
		return 0, fmt.Errorf("chromem: list namespace %q: %w", namespace, err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("chromem: delete namespace %q: %w", namespace, err)
	}
	return len(ids), nil
}

// Close is a no-op: persistent documents are written as they are added.
func (x *ChromemIndex) Close() error {
	return nil
}

// chunkFromChromem rebuilds a Chunk from a stored chromem document.
func chunkFromChromem(content string, md map[string]string, emb []float32) (*Chunk, error) {
	meta, err := decodeMetadata(md[chromemKeyMetadata])
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Namespace: md[chromemKeyNamespace],
		ID:        md[chromemKeyID],
		Text:      content,
		Metadata:  meta,
		Embedding: emb,
	}, nil
}
