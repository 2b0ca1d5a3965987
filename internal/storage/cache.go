package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheTTL is the fixed lifetime of every cache entry.
const CacheTTL = time.Hour

// Cache is a byte-budgeted, TTL-bounded in-memory cache of blob values.
// A nil *Cache or one built with a zero budget caches nothing.
type Cache struct {
	// inner is the ristretto cache; nil when caching is disabled.
	inner *ristretto.Cache
	// requests counts lookups partitioned by result (hit, miss).
	requests *prometheus.CounterVec
}

// NewCache builds a cache holding at most maxBytes of values. Metrics are
// registered on reg; a nil reg leaves them unregistered.
func NewCache(maxBytes int64, reg prometheus.Registerer) (*Cache, error) {
	c := &Cache{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "memex",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Blob cache lookups, partitioned by result (hit or miss).",
		}, []string{"result"}),
	}
	if maxBytes <= 0 {
		return c, nil
	}

	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        numCounters(maxBytes),
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create cache: %w", err)
	}
	c.inner = inner
	return c, nil
}

// numCounters sizes the admission counters at roughly ten per expected
// entry, assuming ~1 KiB values.
func numCounters(maxBytes int64) int64 {
	n := maxBytes / 1024 * 10
	return min(max(n, 1e4), 1e7)
}

// Get returns a copy of the cached value for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil || c.inner == nil {
		return nil, false
	}
	v, ok := c.inner.Get(key)
	if !ok {
		c.requests.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.requests.WithLabelValues("hit").Inc()
	return bytes.Clone(v.([]byte)), true
}

// Set stores a copy of value under key with the fixed TTL. It waits for the
// write buffer to drain so an immediate Get observes the value, unless the
// admission policy rejected it.
func (c *Cache) Set(key string, value []byte) {
	if c == nil || c.inner == nil {
		return
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	cost := max(int64(len(v)), 1)
	if c.inner.SetWithTTL(key, v, cost, CacheTTL) {
		c.inner.Wait()
	}
}

// Delete drops key from the cache.
func (c *Cache) Delete(key string) {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Del(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Clear()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Close()
}
