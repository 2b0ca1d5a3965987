package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// okHandler is a trivial handler used to verify that allowed requests reach
// the downstream handler.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// hit sends one request from remoteAddr through h and returns the recorder.
func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func Test_RateLimit_BurstThenReject(t *testing.T) {
	t.Parallel()

	rejected := 0
	rl, stop := newRateLimiter(0.001, 3, func() { rejected++ })
	defer stop()
	h := rl.middleware(okHandler)

	for i := range 3 {
		if w := hit(h, "127.0.0.1:12345"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 within burst, got %d", i, w.Code)
		}
	}

	w := hit(h, "127.0.0.1:12345")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", w.Code)
	}
	if rejected != 1 {
		t.Errorf("onReject: want 1 call, got %d", rejected)
	}
}

// Test_RateLimit_RetryAfterReflectsRefill checks that Retry-After is the
// refill delay rounded up to whole seconds.
func Test_RateLimit_RetryAfterReflectsRefill(t *testing.T) {
	t.Parallel()

	// One token every 4s: the second request must wait about 4s.
	rl, stop := newRateLimiter(0.25, 1, nil)
	defer stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	h := rl.middleware(okHandler)

	hit(h, "10.0.0.2:1234")
	w := hit(h, "10.0.0.2:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	got, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After not an integer: %q", w.Header().Get("Retry-After"))
	}
	if got != 4 {
		t.Errorf("Retry-After: want 4, got %d", got)
	}
}

// Test_RateLimit_RejectionDoesNotBorrow verifies that rejected requests do
// not push the next allowed request further into the future.
func Test_RateLimit_RejectionDoesNotBorrow(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(1, 1, nil)
	defer stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	h := rl.middleware(okHandler)

	hit(h, "10.0.0.3:1")
	for range 5 {
		hit(h, "10.0.0.3:1")
	}

	now = now.Add(time.Second)
	if w := hit(h, "10.0.0.3:1"); w.Code != http.StatusOK {
		t.Errorf("after one refill interval: expected 200, got %d", w.Code)
	}
}

func Test_RateLimit_PerIPIsolation(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(0.001, 1, nil)
	defer stop()
	h := rl.middleware(okHandler)

	for range 5 {
		hit(h, "192.168.1.1:1111")
	}
	if w := hit(h, "192.168.1.2:2222"); w.Code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", w.Code)
	}
}

func Test_RateLimit_SweepDropsIdleBuckets(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(1, 1, nil)
	defer stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.reserve("10.0.0.1")
	now = now.Add(limiterIdleTTL / 2)
	rl.reserve("10.0.0.2")

	now = now.Add(limiterIdleTTL/2 + time.Second)
	if removed := rl.sweep(); removed != 1 {
		t.Fatalf("sweep: want 1 removed, got %d", removed)
	}
	if _, ok := rl.buckets["10.0.0.2"]; !ok {
		t.Error("recently seen bucket was swept")
	}
}

func Test_RateLimit_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	_, stop := newRateLimiter(1, 1, nil)
	stop()
	stop()
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		remoteAddr string
		wantIP     string
	}{
		{"127.0.0.1:54321", "127.0.0.1"},
		{"[::1]:8080", "::1"},
		{"[fe80::1%lo0]:443", "fe80::1%lo0"},
		{"noport", "noport"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remoteAddr
		if got := clientIP(req); got != tc.wantIP {
			t.Errorf("remoteAddr=%q: expected %q, got %q", tc.remoteAddr, tc.wantIP, got)
		}
	}
}
