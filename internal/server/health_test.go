package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/54b3r/memex-go/internal/storage"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	name  string
	err   error
	delay time.Duration
	// inflight tracks concurrent Ping calls when non-nil.
	inflight, peak *atomic.Int32
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// newReadyTestServer builds a *Server with the given pingers wired in.
func newReadyTestServer(pingers ...Pinger) *Server {
	s := newTestServer()
	s.pingers = pingers
	return s
}

// getReady calls /readyz on s and decodes the body.
func getReady(t *testing.T, s *Server) (int, readyResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, resp
}

func TestNewPinger_LabelsFailures(t *testing.T) {
	t.Parallel()

	p := NewPinger("storage", func(context.Context) error { return storage.ErrCollectionNotReady })
	if p.Name() != "storage" {
		t.Errorf("Name: expected storage, got %q", p.Name())
	}
	if err := p.Ping(context.Background()); !errors.Is(err, storage.ErrCollectionNotReady) {
		t.Errorf("Ping: expected wrapped ErrCollectionNotReady, got %v", err)
	}
	if isOptional(p) || !isOptional(Optional(p)) {
		t.Error("Optional: marking not reflected by isOptional")
	}
}

func TestEmbedderPinger_ReportsFallback(t *testing.T) {
	t.Parallel()

	hash := &fakePinger{name: "hash"}

	same := EmbedderPinger(hash, "hash")
	if !isOptional(same) || same.Ping(context.Background()) != nil {
		t.Error("configured provider in use: expected optional passing check")
	}

	fb := EmbedderPinger(hash, "openai")
	if !isOptional(fb) {
		t.Error("fallback: expected optional check")
	}
	err := fb.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "openai unreachable") {
		t.Errorf("fallback: expected error naming configured provider, got %v", err)
	}

	code, resp := getReady(t, newReadyTestServer(fb, &fakePinger{name: "storage"}))
	if code != http.StatusOK || resp.State != stateDegraded {
		t.Errorf("fallback: expected 200 degraded, got %d %s", code, resp.State)
	}
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d, body: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected ok, got %q", body["status"])
	}
}

func TestHandleReady_States(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	cases := []struct {
		name      string
		pingers   []Pinger
		wantCode  int
		wantState string
	}{
		{"no dependencies", nil, http.StatusOK, stateReady},
		{
			"all healthy",
			[]Pinger{Optional(&fakePinger{name: "openai"}), &fakePinger{name: "storage"}},
			http.StatusOK, stateReady,
		},
		{
			"embedder down degrades",
			[]Pinger{Optional(&fakePinger{name: "openai", err: down}), &fakePinger{name: "storage"}},
			http.StatusOK, stateDegraded,
		},
		{
			"storage down is unavailable",
			[]Pinger{Optional(&fakePinger{name: "openai"}), &fakePinger{name: "storage", err: down}},
			http.StatusServiceUnavailable, stateUnavailable,
		},
		{
			"both down is unavailable",
			[]Pinger{Optional(&fakePinger{name: "openai", err: down}), &fakePinger{name: "storage", err: down}},
			http.StatusServiceUnavailable, stateUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, resp := getReady(t, newReadyTestServer(tc.pingers...))
			if code != tc.wantCode {
				t.Errorf("status code: want %d, got %d", tc.wantCode, code)
			}
			if resp.State != tc.wantState {
				t.Errorf("state: want %q, got %q", tc.wantState, resp.State)
			}
			if resp.Ready != (tc.wantState != stateUnavailable) {
				t.Errorf("ready: got %v for state %q", resp.Ready, resp.State)
			}
			if len(resp.Checks) != len(tc.pingers) {
				t.Fatalf("checks: want %d, got %d", len(tc.pingers), len(resp.Checks))
			}
			for i, c := range resp.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d: want %q in registration order, got %q", i, tc.pingers[i].Name(), c.Name)
				}
				if c.OK == (c.Error != "") {
					t.Errorf("check %q: ok=%v with error %q", c.Name, c.OK, c.Error)
				}
			}
		})
	}
}

// TestHandleReady_ReportsEnabledTools verifies the tool count reflects the
// dispatcher's enabled features.
func TestHandleReady_ReportsEnabledTools(t *testing.T) {
	t.Parallel()

	// newTestServer enables only the memory feature.
	_, resp := getReady(t, newReadyTestServer())
	if resp.Tools != 5 {
		t.Errorf("tools: want 5 memory tools, got %d", resp.Tools)
	}
}

// TestHandleReady_ChecksConcurrently verifies that slow dependencies are
// checked in parallel rather than one after another.
func TestHandleReady_ChecksConcurrently(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	slow := func(name string) *fakePinger {
		return &fakePinger{name: name, delay: 50 * time.Millisecond, inflight: &inflight, peak: &peak}
	}
	s := newReadyTestServer(slow("openai"), slow("storage"), slow("qdrant"))

	code, _ := getReady(t, s)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if peak.Load() < 2 {
		t.Errorf("checks ran sequentially (peak concurrency %d)", peak.Load())
	}
}
