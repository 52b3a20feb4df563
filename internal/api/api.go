// Package api provides HTTP handlers and the API server for CoachRelay.
//
// It exposes the chat endpoint that drives the coaching pipeline and the
// history endpoint for paginated conversation reads.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coachrelay/coachrelay/internal/orchestrator"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful drain on Stop.
const shutdownTimeout = 10 * time.Second

// Opts holds server configuration options.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the CoachRelay HTTP API.
type Server struct {
	orch *orchestrator.Orchestrator
	srv  *http.Server
}

// NewServer creates the API server over the orchestrator.
func NewServer(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{orch: orch}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.chatHandler)
	mux.HandleFunc("/history", s.historyHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}

	slog.Debug("api.NewServer: server configured", "addr", cfg.Addr)
	return s
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("api.Run: CoachRelay API listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("api.Stop: shutting down API server")
	return s.srv.Shutdown(ctx)
}
