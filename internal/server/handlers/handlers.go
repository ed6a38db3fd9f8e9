// Package handlers implements HTTP request handlers for the status API.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/health"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/report"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	store     store.Store
	reporter  *report.Reporter
	guards    ratelimit.Set
	health    *health.Runner
	triggerFn func(trigger types.RunTrigger) error
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Handlers instance.
func New(st store.Store, rep *report.Reporter, guards ratelimit.Set, checker *health.Runner, triggerFn func(types.RunTrigger) error) *Handlers {
	return &Handlers{
		store:     st,
		reporter:  rep,
		guards:    guards,
		health:    checker,
		triggerFn: triggerFn,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// writeError logs the internal error and returns a sanitized JSON error to the client.
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		h.logger.Error(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
