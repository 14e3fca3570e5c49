// Package web is the broker's HTTP gateway: authentication, enrollment,
// guest listing, SPICE descriptor minting, and observability endpoints.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerospice/zerospice/internal/auth"
)

// Server is the broker's HTTP gateway.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authed := auth.Middleware(s.deps.Auth)

	// Public endpoints.
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("GET /enroll", s.handleEnrollCheck)
	s.mux.HandleFunc("POST /enroll", s.handleEnroll)

	// Loopback-only admin endpoint; guarded in the handler, not by token.
	s.mux.HandleFunc("POST /admin/generate-token", s.handleGenerateInvite)

	// Bearer-guarded endpoints.
	s.mux.Handle("POST /refresh", authed(http.HandlerFunc(s.handleRefresh)))
	s.mux.Handle("GET /offer", authed(http.HandlerFunc(s.handleOffer)))
	s.mux.Handle("GET /spice/{node}/{vmid}", authed(http.HandlerFunc(s.handleSpice)))
	s.mux.Handle("GET /sessions", authed(http.HandlerFunc(s.handleSessions)))

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Log.Info("http gateway listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
