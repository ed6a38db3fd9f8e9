package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/health"
)

// Healthz is the liveness probe: the process is up, nothing more.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Readyz is the readiness probe. By default it checks store reachability;
// ?deep=1 runs the full provider probe set.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "1" && h.health != nil {
		report := h.health.Run(r.Context())
		// Degraded still serves: runs can proceed against the providers
		// that answer. Only an unhealthy verdict fails readiness.
		if report.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	if err := h.store.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store unreachable", err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
