package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Chunk is one (namespace, id)-addressed unit of text, metadata and embedding.
type Chunk struct {
	// Namespace is the caller-chosen partition the chunk lives in.
	Namespace string `json:"namespace"`
	// ID is unique within Namespace.
	ID string `json:"id"`
	// Text is the literal chunk content.
	Text string `json:"text"`
	// Metadata is an arbitrary JSON object, opaque to storage.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Embedding is the chunk vector; its length is fixed by the collection.
	Embedding []float32 `json:"-"`
}

// ScoredChunk is a Chunk returned by a similarity query.
type ScoredChunk struct {
	Chunk
	// Score is the index's similarity score; higher is more similar.
	Score float32
}

// VectorIndex stores chunks and answers nearest-neighbour queries filtered by
// namespace. Implementations must be safe for concurrent use.
type VectorIndex interface {
	// EnsureCollection creates the named collection with the given dimension
	// if it does not exist, and selects it for every later call.
	EnsureCollection(ctx context.Context, name string, dim int) error
	// Upsert inserts or replaces chunks by (namespace, id).
	Upsert(ctx context.Context, chunks []Chunk) error
	// Query returns up to limit chunks most similar to embedding, best
	// first. An empty namespace searches every namespace.
	Query(ctx context.Context, namespace string, embedding []float32, limit int) ([]ScoredChunk, error)
	// Get returns the chunk or nil if absent.
	Get(ctx context.Context, namespace, id string) (*Chunk, error)
	// Delete removes one chunk and reports whether it existed.
	Delete(ctx context.Context, namespace, id string) (bool, error)
	// DeleteNamespace removes every chunk in namespace and returns the count.
	DeleteNamespace(ctx context.Context, namespace string) (int, error)
	// Close releases any resources held by the index.
	Close() error
}

// pointNamespace seeds the deterministic point ids.
var pointNamespace = uuid.MustParse("6f1c1f0e-5d0a-4c55-9a8e-3c7b2f6d9e41")

// PointID maps (namespace, id) to the deterministic UUID used as the
// index's primary key, so that re-upserting the same pair replaces it.
func PointID(namespace, id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(namespace+"\x00"+id)).String()
}

// encodeMetadata serialises md as a JSON object string ("{}" for nil).
func encodeMetadata(md map[string]any) (string, error) {
	if md == nil {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("storage: encode metadata: %w", err)
	}
	return string(b), nil
}

// decodeMetadata parses a JSON object string produced by encodeMetadata.
func decodeMetadata(s string) (map[string]any, error) {
	md := map[string]any{}
	if s == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("storage: decode metadata: %w", err)
	}
	return md, nil
}
