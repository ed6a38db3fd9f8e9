// Package store defines the durable state contract shared by every backend:
// per-lane watermarks, the single-run lock and the bounded run history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultRunLogLimit bounds the retained run history.
const DefaultRunLogLimit = 20

// DefaultRunLockTTL is how long a run lock stays live without release.
const DefaultRunLockTTL = 2 * time.Hour

var (
	// ErrWatermarkRegression reports an Advance with a timestamp strictly
	// before the stored one. Callers treat it as a programming error.
	ErrWatermarkRegression = errors.New("watermark regression")

	// ErrRunLockHeld reports a live run lock.
	ErrRunLockHeld = errors.New("run lock held")
)

// LockHeldError carries the holder of a live run lock. errors.Is matches it
// against ErrRunLockHeld.
type LockHeldError struct {
	HolderRunID string
	ExpiresAt   time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("run lock held by %s until %s", e.HolderRunID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *LockHeldError) Is(target error) bool { return target == ErrRunLockHeld }

// Store is a durable state backend. Every mutation is flushed before the
// call returns: a crash after an upload but before Advance is recovered by
// re-fetching the same record on the next run and relying on the sink's
// duplicate detection.
type Store interface {
	// Start prepares the backend: opens files, applies schema, creates tables.
	Start(ctx context.Context) error
	// Stop releases backend resources.
	Stop(ctx context.Context) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Watermark returns the stored watermark for the pair, or the epoch-zero
	// default when the pair has never advanced.
	Watermark(ctx context.Context, source types.Source, metric types.MetricType) (types.Watermark, error)
	// Advance moves the watermark forward durably. An equal timestamp with
	// the same record id is a no-op; an equal timestamp with a different id
	// refreshes the id; a strictly older timestamp returns
	// ErrWatermarkRegression.
	Advance(ctx context.Context, source types.Source, metric types.MetricType, ts time.Time, recordID string) error

	// AcquireRunLock takes the single-run lock for runID. A live lock makes
	// it fail with an error matching ErrRunLockHeld; an expired lock is
	// taken over.
	AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) error
	// ReleaseRunLock drops the lock if runID still holds it.
	ReleaseRunLock(ctx context.Context, runID string) error

	// AppendRunLog records a finished run and prunes entries beyond the
	// backend's retention limit.
	AppendRunLog(ctx context.Context, result types.RunResult) error
	// RecentRuns returns up to limit finished runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]types.RunResult, error)
}

// Snapshot reads the watermark of every known (source, metric) pair.
func Snapshot(ctx context.Context, s Store) (types.WatermarkSnapshot, error) {
	snap := types.WatermarkSnapshot{TakenAt: time.Now().UTC()}
	for _, source := range []types.Source{types.SourceFitbit, types.SourceOmron} {
		for _, metric := range types.SourceMetrics[source] {
			wm, err := s.Watermark(ctx, source, metric)
			if err != nil {
				return types.WatermarkSnapshot{}, fmt.Errorf("reading %s/%s watermark: %w", source, metric, err)
			}
			snap.Watermarks = append(snap.Watermarks, wm)
		}
	}
	return snap, nil
}
