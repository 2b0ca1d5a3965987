package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/memex-go/internal/logging"
)

// defaultRateLimit is the number of requests per second allowed per client
// on /mcp when no explicit limit is configured.
const defaultRateLimit = 10

// defaultRateBurst is the per-client burst on /mcp when no explicit burst is
// configured.
const defaultRateBurst = 20

// limiterIdleTTL is how long a client bucket survives without traffic.
const limiterIdleTTL = 5 * time.Minute

// bucket is one client's token bucket and the last time it was used.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles /mcp per client IP. Idle buckets are swept every
// minute so the map stays bounded by the set of recently active clients.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	// now is time.Now outside tests.
	now func() time.Time
	// onReject is called once per rejected request. May be nil.
	onReject func()
}

// newRateLimiter constructs a rateLimiter and starts its sweep goroutine,
// which exits when the returned stop function is called.
func newRateLimiter(rps float64, burst int, onReject func()) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets:  make(map[string]*bucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  limiterIdleTTL,
		now:      time.Now,
		onReject: onReject,
	}

	stopCh := make(chan struct{})
	var once sync.Once
	go rl.sweepLoop(stopCh)

	return rl, func() { once.Do(func() { close(stopCh) }) }
}

// reserve takes a token for ip. It returns zero when the request may
// proceed, otherwise how long the client should wait before retrying.
func (rl *rateLimiter) reserve(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// Rejected requests must not consume future tokens.
		r.CancelAt(now)
		return delay
	}
	return 0
}

func (rl *rateLimiter) sweepLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops buckets idle for longer than idleTTL and returns how many
// were removed.
func (rl *rateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
			removed++
		}
	}
	return removed
}

// middleware rejects over-limit requests with 429 and a Retry-After header
// rounded up to whole seconds.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		wait := rl.reserve(ip)
		if wait == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if rl.onReject != nil {
			rl.onReject()
		}
		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("ip", ip),
			slog.String("path", r.URL.Path),
			slog.Duration("retry_after", wait),
		)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored:
// the side-channel binds to loopback by default and sits behind no proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
