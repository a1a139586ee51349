// Package http provides the inbound HTTP adapter of the timeserver: health
// probes for the orchestrator and read-only lookups into the committed ledger.
//
// Endpoints:
//   - GET /health, /health/ready, /health/live
//   - GET /v1/blocks/tip
//   - GET /v1/blocks/height/{height}?confirmations=N
//   - GET /v1/blocks/hash/{hash}?confirmations=N
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/archon-research/stl-timeserver/internal/ports/inbound"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// Logger for the server
	Logger *slog.Logger

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration
}

// ServerConfigDefaults returns a config with default values.
func ServerConfigDefaults() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Server serves health probes and block lookups.
type Server struct {
	server       *http.Server
	router       *mux.Router
	checker      inbound.HealthChecker
	blocks       inbound.BlockReader
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

// NewServer creates a new HTTP server. shuttingDown is flipped by the caller
// on SIGTERM so probes fail before the listener closes.
func NewServer(config ServerConfig, checker inbound.HealthChecker, blocks inbound.BlockReader, shuttingDown *atomic.Bool) *Server {
	defaults := ServerConfigDefaults()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	s := &Server{
		checker:      checker,
		blocks:       blocks,
		shuttingDown: shuttingDown,
		logger:       config.Logger.With("component", "http-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/blocks").Subrouter()
	v1.HandleFunc("/tip", s.handleTip).Methods(http.MethodGet)
	v1.HandleFunc("/height/{height:[0-9]+}", s.handleByHeight).Methods(http.MethodGet)
	v1.HandleFunc("/hash/{hash:[0-9a-fA-F]{64}}", s.handleByHash).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting http server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
