// Package diag serves a loopback-only, unauthenticated HTTP listener
// exposing process liveness and Prometheus metrics (spec §6 addendum).
// It carries no task control surface, so it never needs the mTLS
// handshake internal/transport enforces on the command protocol.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maumercado/pueued/internal/logger"
)

// ReadyFunc reports whether the daemon's Dispatcher Run loop has started
// and /healthz can report the daemon as up.
type ReadyFunc func() bool

// Server is the diagnostics HTTP handler.
type Server struct {
	router *chi.Mux
}

// NewServer builds a diag Server. ready is consulted on every /healthz
// request.
func NewServer(ready ReadyFunc) *Server {
	s := &Server{router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	s.router.Handle("/metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Listener wraps an *http.Server bound to a loopback address, started
// and stopped the way cmd/api-server/main.go drives its HTTP server.
type Listener struct {
	httpServer *http.Server
}

// Listen constructs a Listener for addr (e.g. "127.0.0.1:9292"). An
// empty addr disables diagnostics entirely; callers should check
// Enabled before calling Run.
func Listen(addr string, ready ReadyFunc) *Listener {
	if addr == "" {
		return &Listener{}
	}
	return &Listener{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewServer(ready),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// Enabled reports whether this Listener was configured with an address.
func (l *Listener) Enabled() bool {
	return l.httpServer != nil
}

// Run starts serving and blocks until the listener is closed. It
// returns nil on a graceful Shutdown.
func (l *Listener) Run() error {
	if l.httpServer == nil {
		return nil
	}
	logger.Info().Str("addr", l.httpServer.Addr).Msg("diagnostics listener starting")
	if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("diag: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.httpServer == nil {
		return nil
	}
	return l.httpServer.Shutdown(ctx)
}
