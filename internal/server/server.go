// Package server implements the Metrics2Garmin status HTTP server.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/health"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/report"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const defaultMaxBody = 1 << 20

// Options configures the status server.
type Options struct {
	Addr     string
	Store    store.Store
	Reporter *report.Reporter
	Guards   ratelimit.Set
	Health   *health.Runner

	// TriggerFn starts a manual run without blocking. It returns
	// *types.RunAlreadyInProgressError while a run is active. nil disables
	// the trigger endpoint.
	TriggerFn func(trigger types.RunTrigger) error

	// AuthToken guards the trigger endpoint. Empty disables auth.
	AuthToken string

	// MaxBody caps request body size in bytes. <= 0 uses the default.
	MaxBody int64

	Logger *slog.Logger
}

// Server is the read-mostly status and trigger HTTP server.
type Server struct {
	router chi.Router
	addr   string
	srv    *http.Server
	logger *slog.Logger
}

// New creates the server and wires its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	s := &Server{
		addr:   opts.Addr,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RequestLogMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(MaxBodyMiddleware(maxBody))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router = r
	s.registerRoutes(r, opts)
	return s
}

// Start begins serving HTTP requests and blocks until shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("status server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// Handler returns the composed route handler, for serving through an
// external listener.
func (s *Server) Handler() http.Handler { return s.router }
