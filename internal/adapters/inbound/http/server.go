// Package http provides the inbound HTTP adapter of the history service: the
// REST API, health checks and the Prometheus scrape endpoint on one listener.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archon-research/stl/stl-history/internal/ports/inbound"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. History requests can scan many trace
	// events, so this is much longer than ReadTimeout.
	WriteTimeout time.Duration

	// ReadyTimeout bounds one readiness check against the store and chain node.
	ReadyTimeout time.Duration

	Logger *slog.Logger
}

// ServerConfigDefaults returns a config with default values.
func ServerConfigDefaults() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		ReadyTimeout: 5 * time.Second,
		Logger:       slog.Default(),
	}
}

// Server serves the API, /health/live, /health/ready and /metrics.
//
// During a rolling deployment the old task marks shuttingDown before it stops
// listening, so both health checks report 503 while in-flight requests drain.
type Server struct {
	server       *http.Server
	handler      http.Handler
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	readyTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates the API server. A nil registry gets a fresh one with Go
// runtime and process collectors.
func NewServer(
	config ServerConfig,
	service inbound.ContractService,
	checker inbound.HealthChecker,
	registry *prometheus.Registry,
	shuttingDown *atomic.Bool,
) (*Server, error) {
	if service == nil {
		return nil, errors.New("service cannot be nil")
	}
	if checker == nil {
		return nil, errors.New("checker cannot be nil")
	}

	defaults := ServerConfigDefaults()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if shuttingDown == nil {
		shuttingDown = new(atomic.Bool)
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	metrics, err := NewHTTPMetrics(registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		checker:      checker,
		shuttingDown: shuttingDown,
		readyTimeout: config.ReadyTimeout,
		logger:       config.Logger.With("component", "http-server"),
	}

	mux := http.NewServeMux()
	NewHandler(service, config.Logger).RegisterRoutes(mux)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s.handler = CORS(metrics.Middleware(RequestLogger(s.logger, mux)))
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening. It is non-blocking; listener failures are sent on
// the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, waiting up to timeout for in-flight
// requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleLive reports 200 until shutdown starts.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	respondJSON(w, s.logger, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports 200 when the store and chain node both respond.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()

	if err := s.checker.Ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}
