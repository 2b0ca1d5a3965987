package storage

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func Test_Cache_SetGetDelete(t *testing.T) {
	t.Parallel()
	c, err := NewCache(1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(c.Close)

	c.Set("k", []byte("value"))
	got, ok := c.Get("k")
	if !ok || string(got) != "value" {
		t.Fatalf("Get = %q, %v, want value, true", got, ok)
	}

	// Mutating the returned slice must not affect the cached copy.
	got[0] = 'X'
	again, _ := c.Get("k")
	if string(again) != "value" {
		t.Errorf("cached value aliased caller slice: %q", again)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("Get after Delete should miss")
	}
}

func Test_Cache_ZeroBudgetDisables(t *testing.T) {
	t.Parallel()
	c, err := NewCache(0, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.Set("k", []byte("v"))
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache returned a value")
	}
	c.Clear()
	c.Close()
}

func Test_Cache_RecordsHitsAndMisses(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c, err := NewCache(1<<20, reg)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(c.Close)

	c.Get("absent")
	c.Set("k", []byte("v"))
	c.Get("k")

	for _, result := range []string{"hit", "miss"} {
		if got := counterValue(t, reg, "memex_cache_requests_total", "result", result); got != 1 {
			t.Errorf("%s count = %v, want 1", result, got)
		}
	}
}

// counterValue returns the value of the counter name{label=value} gathered
// from reg, failing the test if it is absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("%s{%s=%q} not found in gathered metrics", name, label, value)
	return 0
}

func Test_Cache_NumCountersClamped(t *testing.T) {
	t.Parallel()
	if got := numCounters(1024); got != 1e4 {
		t.Errorf("numCounters(1KiB) = %d, want 10000", got)
	}
	if got := numCounters(1 << 40); got != 1e7 {
		t.Errorf("numCounters(1TiB) = %d, want 1e7", got)
	}
}
