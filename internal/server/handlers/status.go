package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const maxRunsPageSize = 100

type statusResponse struct {
	LatestRun  *types.RunResult        `json:"latestRun,omitempty"`
	Watermarks types.WatermarkSnapshot `json:"watermarks"`
	Limiters   []ratelimit.Status      `json:"limiters"`
}

// Status returns the latest run outcome, current watermarks and limiter state.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := store.Snapshot(r.Context(), h.store)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read watermarks", err)
		return
	}

	resp := statusResponse{
		Watermarks: snap,
		Limiters:   h.guards.Statuses(),
	}
	if h.reporter != nil {
		if latest, ok := h.reporter.Latest(); ok {
			resp.LatestRun = &latest
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ListRuns returns recent run results, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultRunLogLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= maxRunsPageSize {
			limit = n
		}
	}

	runs, err := h.store.RecentRuns(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []types.RunResult{}
	}
	_ = json.NewEncoder(w).Encode(runs)
}

// Watermarks returns the current watermark rows.
func (h *Handlers) Watermarks(w http.ResponseWriter, r *http.Request) {
	snap, err := store.Snapshot(r.Context(), h.store)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read watermarks", err)
		return
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// TriggerRun starts a manual migration run and returns immediately.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.triggerFn == nil {
		h.writeError(w, http.StatusServiceUnavailable, "manual runs are not enabled", nil)
		return
	}

	err := h.triggerFn(types.TriggerManual)
	var busy *types.RunAlreadyInProgressError
	switch {
	case errors.As(err, &busy):
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":       "run already in progress",
			"holderRunId": busy.HolderRunID,
		})
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "failed to start run", err)
	default:
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}
}
