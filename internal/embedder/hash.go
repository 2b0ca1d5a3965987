package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider is an offline embedder based on feature hashing: each
// lower-cased word and each character trigram is hashed into one of dim
// buckets with a sign bit, and the result is L2-normalised. Texts sharing
// words or word fragments land close together. It needs no network and is
// deterministic, which makes it the test and fallback provider.
type HashProvider struct {
	dim int
}

// NewHashProvider returns a HashProvider producing vectors of length dim.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{dim: dim}
}

// Name identifies the provider in logs.
func (p *HashProvider) Name() string {
	return "hash"
}

// Embed hashes text into a normalised vector.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, p.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		p.add(v, "w:"+w, 1)
		padded := []rune(" " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			p.add(v, "t:"+string(padded[i:i+3]), 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Empty input still yields a valid unit vector.
		v[0] = 1
		return v, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}

// add accumulates weight into the bucket selected by feature.
func (p *HashProvider) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

// Rerank orders docs by cosine similarity to query.
func (p *HashProvider) Rerank(ctx context.Context, query string, docs []string) ([]Ranked, error) {
	return embedRerank(ctx, p.Embed, query, docs)
}

// Ping always succeeds.
func (p *HashProvider) Ping(context.Context) error {
	return nil
}
