// Package server implements the optional HTTP side-channel of memex: liveness
// and readiness checks, Prometheus metrics, and the MCP tool surface served
// over the streamable HTTP transport. It is started by `memex serve` when an
// HTTP address is configured; the stdio protocol runs regardless.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/memex-go/internal/protocol"
)

// New constructs a Server that serves the tools of d.
func New(d *protocol.Dispatcher, cfg *Config) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("server: dispatcher must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Indexing a large document can take a while.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		dispatcher: d,
		cfg:        cfg,
		log:        log,
		pingers:    cfg.Pingers,
		metrics:    newServerMetrics(cfg.MetricsRegistry),
	}
	s.mcp = s.newMCPServer()

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics.rateLimitedTotal.Inc)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		log.Warn("server: no API key configured, /mcp is unauthenticated")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the mux with middleware applied.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /readyz", s.instrument("readyz", http.HandlerFunc(s.handleReady)))
	if s.cfg.MetricsGatherer != nil {
		mux.Handle("GET /metrics", s.instrument("metrics",
			promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{})))
	}
	mux.Handle("/mcp", s.instrument("mcp",
		rl.middleware(s.requireAPIKey(s.mcpHandler()))))
	return requestLogger(s.log, mux)
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /healthz for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		s.log.Error("health encode error", slog.Any("error", err))
	}
}
