package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/memex-go/internal/logging"
	"github.com/54b3r/memex-go/internal/protocol"
	"github.com/54b3r/memex-go/internal/server"
	"github.com/54b3r/memex-go/internal/version"
)

// NewServeCmd constructs the `memex serve` command, which answers framed
// JSON-RPC requests on stdin/stdout until stdin closes.
func NewServeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory tools over stdio",
		Long: `Start the memex protocol server on stdin/stdout.

Messages are framed with a Content-Length header. stdout carries only
protocol responses; all logs go to stderr. The server exits cleanly when
stdin reaches end of file.

When --http-addr (server.http_addr) is set, an HTTP side-channel is started
as well, exposing /healthz, /readyz, /metrics and the same tools over the
MCP streamable HTTP transport at /mcp.

Examples:
  memex serve
  memex serve --features memory,search --db-path ~/.memex/work
  MEMEX_API_KEY=secret memex serve --http-addr 127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, log := rt.cfg, rt.log
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting",
				slog.String("version", version.Version),
				slog.Any("features", cfg.Features),
			)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			st, err := buildStack(ctx, rt, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			// The store stays open if a stdio tool call outlives the drain
			// window; process exit releases it instead.
			closeStore := true
			defer func() {
				if closeStore {
					_ = st.Close()
				}
			}()

			dispatcher, err := protocol.NewDispatcher(st.pipeline, protocol.DispatcherConfig{
				ServerName: version.ServerName,
				Version:    version.Version,
				Features:   cfg.Features,
			}, reg, log)
			if err != nil {
				return fmt.Errorf("serve: failed to create dispatcher: %w", err)
			}

			// The HTTP side-channel lives exactly as long as the stdio loop.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// httpDone stays nil, and so never ready, without a side-channel.
			var httpDone chan error
			if cfg.Server.HTTPAddr != "" {
				srv, err := server.New(dispatcher, &server.Config{
					Addr:      cfg.Server.HTTPAddr,
					Logger:    log,
					APIKey:    cfg.Server.APIKey,
					RateLimit: cfg.Server.RateLimit,
					RateBurst: cfg.Server.RateBurst,
					Pingers: []server.Pinger{
						server.EmbedderPinger(st.slot.Provider(), cfg.Embedding.Provider),
						server.NewPinger("storage", st.engine.Ping),
					},
					MetricsRegistry: reg,
					MetricsGatherer: reg,
					Version:         version.Version,
				})
				if err != nil {
					return fmt.Errorf("serve: failed to create http server: %w", err)
				}
				done := make(chan error, 1)
				httpDone = done
				go func() { done <- srv.Start(ctx) }()
			}

			// Reads from stdin block past cancellation, so the loop runs on
			// its own goroutine and a signal only waits for the message in
			// flight, never for the next read.
			stdio := protocol.NewServer(dispatcher, cfg.Server.MaxRequestBytes, log)
			stdioDone := make(chan error, 1)
			go func() {
				stdioDone <- stdio.Serve(ctx, os.Stdin, bufio.NewWriter(os.Stdout))
			}()

			for {
				select {
				case err := <-stdioDone:
					cancel()
					if httpDone != nil {
						<-httpDone
					}
					log.Info("serve stopped")
					if err != nil {
						return fmt.Errorf("serve: %w", err)
					}
					return nil
				case <-ctx.Done():
					log.Info("serve: shutdown signal received")
					if httpDone != nil {
						<-httpDone
					}
					closeStore = drainStdio(stdio, log)
					return nil
				case err := <-httpDone:
					if err != nil {
						cancel()
						closeStore = drainStdio(stdio, log)
						return fmt.Errorf("serve: http side-channel: %w", err)
					}
					httpDone = nil
				}
			}
		},
	}
}

// stdioDrainTimeout bounds how long shutdown waits for an in-flight stdio
// tool call.
const stdioDrainTimeout = 10 * time.Second

// drainStdio stops the stdio loop and waits up to stdioDrainTimeout for the
// message it is handling. It reports whether storage may be closed.
func drainStdio(stdio *protocol.Server, log *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), stdioDrainTimeout)
	defer cancel()
	if err := stdio.Shutdown(ctx); err != nil {
		log.Warn("serve: stdio call still running, leaving storage to process exit",
			slog.Duration("waited", stdioDrainTimeout),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
