// Package report retains the latest run outcome and forwards finished runs
// to the run log, metrics and the notifier.
package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/metrics"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const persistTimeout = 10 * time.Second

// Notifier delivers a finished run report. Satisfied by notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, result types.RunResult)
}

// Reporter is the engine's result callback: it persists run history,
// publishes metrics, retains the latest result for the status surface and
// fans out notifications.
type Reporter struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	latest *types.RunResult
}

// New creates a Reporter. notifier may be nil.
func New(st store.Store, notifier Notifier, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: st, notifier: notifier, logger: logger}
}

// Record ingests a finished run. Persistence and notification failures are
// logged, never propagated: the run itself already happened.
func (r *Reporter) Record(result types.RunResult) {
	r.mu.Lock()
	cp := result
	r.latest = &cp
	r.mu.Unlock()

	metrics.ObserveRun(result)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.AppendRunLog(ctx, result); err != nil {
		r.logger.Error("appending run log failed", "runId", result.RunID, "error", err)
	}

	if snap, err := store.Snapshot(ctx, r.store); err == nil {
		for _, wm := range snap.Watermarks {
			metrics.ObserveWatermark(wm)
		}
	} else {
		r.logger.Warn("snapshotting watermarks failed", "error", err)
	}

	if r.notifier != nil {
		r.notifier.Dispatch(ctx, result)
	}
}

// Latest returns the most recent run recorded in this process.
func (r *Reporter) Latest() (types.RunResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return types.RunResult{}, false
	}
	return *r.latest, true
}
