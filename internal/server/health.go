package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/54b3r/memex-go/internal/logging"
)

// checkTimeout bounds each dependency check so /readyz answers even when a
// dependency hangs.
const checkTimeout = 5 * time.Second

// Readiness states reported by /readyz.
const (
	stateReady       = "ready"
	stateDegraded    = "degraded"
	stateUnavailable = "unavailable"
)

// readyCheck is the outcome of one dependency check.
type readyCheck struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	// Required is false for dependencies whose loss only degrades service.
	Required  bool    `json:"required"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// readyResponse is the JSON body of GET /readyz.
type readyResponse struct {
	// Ready is false only when a required dependency failed.
	Ready  bool         `json:"ready"`
	State  string       `json:"state"`
	Tools  int          `json:"tools"`
	Checks []readyCheck `json:"checks"`
}

// checkAll runs every pinger concurrently and returns the results in
// registration order.
func checkAll(ctx context.Context, pingers []Pinger) []readyCheck {
	checks := make([]readyCheck, len(pingers))
	var wg sync.WaitGroup
	for i, p := range pingers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := p.Ping(checkCtx)
			checks[i] = readyCheck{
				Name:      p.Name(),
				OK:        err == nil,
				Required:  !isOptional(p),
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				checks[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()
	return checks
}

// readiness folds check results into a state: any required failure makes
// the server unavailable, an optional failure only degrades it.
func readiness(checks []readyCheck) string {
	state := stateReady
	for _, c := range checks {
		switch {
		case c.OK:
		case c.Required:
			return stateUnavailable
		default:
			state = stateDegraded
		}
	}
	return state
}

// handleReady handles GET /readyz. It answers 200 when ready or degraded
// and 503 when a required dependency is down, so an orchestrator keeps
// routing memory reads while the embedding provider is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	checks := checkAll(r.Context(), s.pingers)
	for _, c := range checks {
		if !c.OK {
			log.Warn("readiness check failed",
				slog.String("dependency", c.Name),
				slog.Bool("required", c.Required),
				slog.String("error", c.Error),
			)
		}
	}

	state := readiness(checks)
	resp := readyResponse{
		Ready:  state != stateUnavailable,
		State:  state,
		Tools:  len(s.dispatcher.ListTools()),
		Checks: checks,
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ready encode error", slog.Any("error", err))
	}
}
