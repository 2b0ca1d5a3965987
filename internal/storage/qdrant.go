package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// Qdrant payload fields.
const (
	qdrantFieldNamespace = "namespace"
	qdrantFieldChunkID   = "chunk_id"
	qdrantFieldText      = "text"
	qdrantFieldMetadata  = "metadata"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex is a VectorIndex backed by a Qdrant instance.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	mu         sync.RWMutex
	collection string
}

// NewQdrantIndex connects to Qdrant. The collection is selected later by
// EnsureCollection.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}
	return &QdrantIndex{client: client}, nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not already exist and indexes the namespace payload field.
func (x *QdrantIndex) EnsureCollection(ctx context.Context, name string, dim int) error {
	exists, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to create collection %q: %w", name, err)
		}
		_, err = x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      qdrantFieldNamespace,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index %q on %q: %w", qdrantFieldNamespace, name, err)
		}
	}

	x.mu.Lock()
	x.collection = name
	x.mu.Unlock()
	return nil
}

// name returns the selected collection.
func (x *QdrantIndex) name() (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.collection == "" {
		return "", ErrCollectionNotReady
	}
	return x.collection, nil
}

// Upsert stores or replaces chunks and waits for the write to be applied.
func (x *QdrantIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	name, err := x.name()
	if err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		p, err := pointFromChunk(c)
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Query performs a cosine similarity search and returns the top results.
func (x *QdrantIndex) Query(ctx context.Context, namespace string, embedding []float32, limit int) ([]ScoredChunk, error) {
	name, err := x.name()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	n := uint64(limit)
	results, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         namespaceFilter(namespace),
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		c, err := chunkFromPayload(r.GetPayload(), nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredChunk{Chunk: *c, Score: r.GetScore()})
	}
	return out, nil
}

// Get returns the chunk stored for (namespace, id), or nil if absent.
func (x *QdrantIndex) Get(ctx context.Context, namespace, id string) (*Chunk, error) {
	name, err := x.name()
	if err != nil {
		return nil, err
	}
	points, err := x.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(namespace, id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: get failed: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	p := points[0]
	return chunkFromPayload(p.GetPayload(), denseVector(p.GetVectors().GetVector()))
}

// denseVector returns the values of v, which newer servers send as a dense
// vector and older ones in the legacy data field.
func denseVector(v *qdrant.VectorOutput) []float32 {
	if d := v.GetDense().GetData(); len(d) > 0 {
		return d
	}
	return v.GetData()
}

// Delete removes (namespace, id) and reports whether it existed.
func (x *QdrantIndex) Delete(ctx context.Context, namespace, id string) (bool, error) {
	c, err := x.Get(ctx, namespace, id)
	if err != nil || c == nil {
		return false, err
	}
	name, err := x.name()
	if err != nil {
		return false, err
	}
	_, err = x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(namespace, id))),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return false, fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return true, nil
}

// DeleteNamespace counts then removes every point whose namespace matches.
// An empty namespace is rejected: its filter would match every point.
func (x *QdrantIndex) DeleteNamespace(ctx context.Context, namespace string) (int, error) {
	name, err := x.name()
	if err != nil {
		return 0, err
	}
	if namespace == "" {
		return 0, errors.New("qdrant: refusing to delete with an empty namespace")
	}
	filter := namespaceFilter(namespace)
	count, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: delete namespace failed: %w", err)
	}
	return int(count), nil
}

// Ping checks that the Qdrant server is reachable.
func (x *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := x.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

// namespaceFilter matches points in namespace, or nil for every namespace.
func namespaceFilter(namespace string) *qdrant.Filter {
	if namespace == "" {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(qdrantFieldNamespace, namespace)},
	}
}

// pointFromChunk builds the point stored for c. Metadata is kept as a JSON
// string so arbitrary values survive the payload conversion.
func pointFromChunk(c Chunk) (*qdrant.PointStruct, error) {
	md, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(c.Namespace, c.ID)),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: qdrant.NewValueMap(map[string]any{
			qdrantFieldNamespace: c.Namespace,
			qdrantFieldChunkID:   c.ID,
			qdrantFieldText:      c.Text,
			qdrantFieldMetadata:  md,
		}),
	}, nil
}

// chunkFromPayload rebuilds a Chunk from a point payload.
func chunkFromPayload(p map[string]*qdrant.Value, emb []float32) (*Chunk, error) {
	md, err := decodeMetadata(p[qdrantFieldMetadata].GetStringValue())
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Namespace: p[qdrantFieldNamespace].GetStringValue(),
		ID:        p[qdrantFieldChunkID].GetStringValue(),
		Text:      p[qdrantFieldText].GetStringValue(),
		Metadata:  md,
		Embedding: emb,
	}, nil
}
