package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/memex-go/internal/logging"
)

// Reasons a request fails the API key check. They label
// memex_http_auth_failures_total.
const (
	authMissing   = "missing"
	authMalformed = "malformed"
	authInvalid   = "invalid"
)

// requireAPIKey guards next with the configured Bearer token. An empty key
// leaves next unguarded; New warns about that once at startup.
//
// Rejections answer 401 with a WWW-Authenticate challenge, are counted by
// reason and logged with the MCP session id when the client sent one. The
// presented token is never logged.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	want := sha256.Sum256([]byte(s.cfg.APIKey))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := checkBearer(r.Header.Get("Authorization"), want)
		if reason == "" {
			next.ServeHTTP(w, r)
			return
		}

		s.metrics.authFailuresTotal.WithLabelValues(reason).Inc()
		attrs := []any{slog.String("reason", reason)}
		if sid := r.Header.Get(mcpSessionHeader); sid != "" {
			attrs = append(attrs, slog.String("mcp_session", sid))
		}
		logging.FromContext(r.Context()).Warn("auth: rejected", attrs...)

		challenge := `Bearer realm="memex"`
		if reason == authInvalid {
			challenge += `, error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
		http.Error(w, "unauthorized: "+reason+" bearer token", http.StatusUnauthorized)
	})
}

// checkBearer validates an Authorization header value against the digest of
// the expected token and returns the rejection reason, or "" when it
// matches. Digests are compared in constant time so neither the token nor
// its length leaks through timing.
func checkBearer(header string, want [sha256.Size]byte) string {
	if header == "" {
		return authMissing
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return authMalformed
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return authInvalid
	}
	return ""
}
