// ABOUTME: HTTP API surface for login, sessions, proxying, and diagnostics
// ABOUTME: Registers routes on a ServeMux and holds the shared service handles

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptdeck/promptdeck/internal/auth"
	"github.com/promptdeck/promptdeck/internal/proxy"
	"github.com/promptdeck/promptdeck/internal/store"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "promptdeck_session"

// AuditLog records proxy activity and serves the audit listing endpoint.
type AuditLog interface {
	RecordProxyEvent(ctx context.Context, email, serverName, target string, status int)
	ListAuditLog(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
}

// Server wires the HTTP handlers to the auth service and proxy gateway.
type Server struct {
	auth     *auth.Service
	gateway  *proxy.Gateway
	verifier auth.TokenVerifier
	audit    AuditLog
	logger   *slog.Logger
	started  time.Time
}

// Config holds server construction options. Verifier and Audit are
// optional; without a verifier only cookie sessions authenticate.
type Config struct {
	Auth     *auth.Service
	Gateway  *proxy.Gateway
	Verifier auth.TokenVerifier
	Audit    AuditLog
	Logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth service is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("proxy gateway is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}

	return &Server{
		auth:     cfg.Auth,
		gateway:  cfg.Gateway,
		verifier: cfg.Verifier,
		audit:    cfg.Audit,
		logger:   logger,
		started:  time.Now(),
	}, nil
}

// RegisterRoutes attaches all API routes to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Public
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/auth/request-link", s.handleRequestLink)
	mux.HandleFunc("POST /api/auth/verify", s.handleVerify)
	mux.HandleFunc("GET /login/verify", s.handleVerifyRedirect)
	mux.HandleFunc("POST /api/auth/login", s.handlePasswordLogin)

	// Authenticated
	mux.HandleFunc("POST /api/auth/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("GET /api/auth/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("GET /api/auth/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/audit", s.requireAuth(s.handleAuditList))

	mux.HandleFunc("GET /api/mcp/{name}/proxy", s.requireAuth(s.handleProxy))
	mux.HandleFunc("POST /api/mcp/{name}/proxy", s.requireAuth(s.handleProxy))
	mux.HandleFunc("GET /api/mcp/{name}/proxy/status", s.requireAuth(s.handleProxyStatus))
}

// Handler returns the complete routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// writeJSON writes a JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
