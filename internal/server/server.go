package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/ratelimit"
)

// Server is the maintask HTTP control API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Queue is optional (nil = not reported in /health).
type ServerConfig struct {
	// Required dependencies.
	Store    RunReader
	Registry *maintenance.Registry
	Runner   *maintenance.Runner
	Controls *maintenance.Controls
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Queue       Pinger
	RateLimiter ratelimit.Limiter // Applied to POST routes.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Driver              string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Registry:            cfg.Registry,
		Runner:              cfg.Runner,
		Controls:            cfg.Controls,
		Queue:               cfg.Queue,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Driver:              cfg.Driver,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
	})

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	limited := func(fn http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(limiter, cfg.Logger, fn)
	}

	mux := http.NewServeMux()

	// Task catalog.
	mux.HandleFunc("GET /v1/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task}", h.HandleGetTask)

	// Run creation and history.
	mux.Handle("POST /v1/tasks/{task}/runs", limited(h.HandleCreateRun))
	mux.HandleFunc("GET /v1/tasks/{task}/runs", h.HandleListRuns)

	// Run inspection and controls.
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/pause", limited(h.HandlePauseRun))
	mux.Handle("POST /v1/runs/{run_id}/resume", limited(h.HandleResumeRun))
	mux.Handle("POST /v1/runs/{run_id}/cancel", limited(h.HandleCancelRun))

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
