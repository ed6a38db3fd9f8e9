package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router, opts Options) {
	h := handlers.New(opts.Store, opts.Reporter, opts.Guards, opts.Health, opts.TriggerFn)
	h.SetLogger(s.logger)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/runs", h.ListRuns)
		r.Get("/watermarks", h.Watermarks)

		// The trigger mutates state, so it alone sits behind the token.
		r.With(BearerAuthMiddleware(opts.AuthToken)).Post("/run", h.TriggerRun)
	})
}
