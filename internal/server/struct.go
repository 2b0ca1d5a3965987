package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memex-go/internal/protocol"
)

// Config holds the HTTP side-channel configuration.
type Config struct {
	// Addr is the host:port to bind to (default: 127.0.0.1:8765).
	Addr string
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency checks run by GET /readyz.
	// If empty, /readyz returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on /mcp
	// (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on /mcp.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the HTTP metrics. Nil leaves them unregistered.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Nil disables the route.
	MetricsGatherer prometheus.Gatherer
	// Version is reported as the MCP implementation version.
	Version string
}

// Server exposes health, metrics and the MCP tool surface over HTTP.
type Server struct {
	// dispatcher executes tool calls; shared with the stdio loop.
	dispatcher *protocol.Dispatcher
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// mcp is the go-sdk server that owns the registered tools.
	mcp *mcp.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency checks for GET /readyz.
	pingers []Pinger
	// metrics holds the HTTP Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}
