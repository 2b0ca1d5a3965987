// Package embedder turns text into dense vectors and ranks candidate
// documents against a query. Each Provider talks to a different backend
// (any OpenAI-compatible server, Ollama, or the offline hash embedder) via
// plain HTTP or local computation.
//
// Access to the provider is serialised through a Slot: an operation acquires
// a Lease for one embed or rerank call and releases it afterwards.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ErrProviderUnavailable is returned when the provider cannot be reached.
var ErrProviderUnavailable = errors.New("embedder: provider unavailable")

// Ranked is one reranked candidate: its position in the input slice and
// its relevance score (higher is more relevant).
type Ranked struct {
	Index int
	Score float32
}

// Provider embeds text and reranks documents.
type Provider interface {
	// Embed converts text into a vector of the provider's fixed dimension.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Rerank scores docs against query. The result may be in any order and
	// may omit documents.
	Rerank(ctx context.Context, query string, docs []string) ([]Ranked, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Name identifies the provider in logs.
	Name() string
}

// Slot is a single-slot pool around a Provider: at most one Lease is
// outstanding at a time.
type Slot struct {
	provider Provider
	token    chan struct{}
	log      *slog.Logger
}

// NewSlot wraps p in a single-slot pool.
func NewSlot(p Provider, log *slog.Logger) *Slot {
	s := &Slot{provider: p, token: make(chan struct{}, 1), log: log}
	s.token <- struct{}{}
	return s
}

// Provider returns the wrapped provider.
func (s *Slot) Provider() Provider {
	return s.provider
}

// Acquire blocks until the slot is free or ctx is done.
func (s *Slot) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	select {
	case <-s.token:
	case <-ctx.Done():
		return nil, fmt.Errorf("embedder: acquire: %w", ctx.Err())
	}
	if wait := time.Since(start); wait > time.Millisecond {
		s.log.Debug("embedder: waited for provider slot", slog.Duration("wait", wait))
	}
	return &Lease{slot: s}, nil
}

// Embed acquires the slot for a single Embed call.
func (s *Slot) Embed(ctx context.Context, text string) ([]float32, error) {
	l, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	return l.Embed(ctx, text)
}

// Rerank acquires the slot for a single Rerank call.
func (s *Slot) Rerank(ctx context.Context, query string, docs []string) ([]Ranked, error) {
	l, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	return l.Rerank(ctx, query, docs)
}

// Lease is exclusive access to the provider until Release is called.
type Lease struct {
	slot *Slot
}

// Embed calls the provider's Embed.
func (l *Lease) Embed(ctx context.Context, text string) ([]float32, error) {
	if l.slot == nil {
		return nil, errors.New("embedder: lease already released")
	}
	return l.slot.provider.Embed(ctx, text)
}

// Rerank calls the provider's Rerank.
func (l *Lease) Rerank(ctx context.Context, query string, docs []string) ([]Ranked, error) {
	if l.slot == nil {
		return nil, errors.New("embedder: lease already released")
	}
	return l.slot.provider.Rerank(ctx, query, docs)
}

// Release returns the slot. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l.slot == nil {
		return
	}
	l.slot.token <- struct{}{}
	l.slot = nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is zero
// or their lengths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// embedRerank ranks docs by cosine similarity to query using embed. It is
// the rerank strategy for backends without a rerank endpoint.
func embedRerank(ctx context.Context, embed func(context.Context, string) ([]float32, error), query string, docs []string) ([]Ranked, error) {
	q, err := embed(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]Ranked, 0, len(docs))
	for i, d := range docs {
		v, err := embed(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, Ranked{Index: i, Score: cosine(q, v)})
	}
	return out, nil
}
