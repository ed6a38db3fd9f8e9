package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/lifecycle"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/schedule"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// laneRun tracks one (source, metric) lane through its state machine.
type laneRun struct {
	logger *slog.Logger
	state  types.LaneState
	result types.LaneResult
}

func (l *laneRun) to(next types.LaneState) {
	if err := lifecycle.Transition(l.state, next); err != nil {
		l.logger.Error("lane transition rejected", "error", err)
		return
	}
	l.state = next
	l.result.State = next
}

// fail marks the lane FAILED with err as a sample. Lane-level failures do
// not count toward the failed-record counter.
func (l *laneRun) fail(err error) types.LaneResult {
	if len(l.result.ErrorSamples) < types.MaxErrorSamples {
		l.result.ErrorSamples = append(l.result.ErrorSamples, err.Error())
	}
	l.to(types.LaneFailed)
	return l.result
}

// runLane drives a single lane end to end. It never returns an error: every
// outcome is encoded in the LaneResult so sibling lanes keep running.
func (e *Engine) runLane(ctx context.Context, run *runState, logger *slog.Logger, source types.Source, src service.Source, metric types.MetricType) types.LaneResult {
	lane := &laneRun{
		logger: logger.With("source", string(source), "metric", string(metric)),
		state:  types.LaneIdle,
		result: types.LaneResult{Source: source, MetricType: metric, State: types.LaneIdle},
	}

	lane.to(types.LaneAuthenticating)
	if err := run.authenticate(ctx, src.Service(), src.Authenticate); err != nil {
		lane.logger.Error("source authentication failed", "error", err)
		return lane.fail(fmt.Errorf("authenticating %s: %w", src.Service(), err))
	}
	if err := run.authenticate(ctx, e.sink.Service(), e.sink.Authenticate); err != nil {
		lane.logger.Error("sink authentication failed", "error", err)
		return lane.fail(fmt.Errorf("authenticating %s: %w", e.sink.Service(), err))
	}

	lane.to(types.LaneFetching)
	watermark, err := e.store.Watermark(ctx, source, metric)
	if err != nil {
		return lane.fail(fmt.Errorf("reading watermark: %w", err))
	}
	wmTS := watermark.LastMigratedAt

	records, err := e.fetchWithRetry(ctx, src, metric, wmTS)
	if err != nil {
		lane.logger.Error("fetch failed", "error", err)
		return lane.fail(err)
	}
	lane.result.Fetched = len(records)

	lane.to(types.LaneTransforming)
	if len(records) == 0 {
		lane.to(types.LaneDone)
		return lane.result
	}

	var existing map[int64]struct{}
	if source == types.SourceOmron {
		existing = run.bpTimestamps(ctx)
	}

	seen := make(map[string]struct{}, len(records))
	pending := make([]types.Measurement, 0, len(records))
	for _, m := range records {
		normalized, err := e.norm.Normalize(m)
		if err != nil {
			lane.logger.Warn("record rejected", "recordedAt", m.RecordedAt, "error", err)
			lane.result.AddError(err)
			continue
		}
		key := normalized.DedupKey()
		if _, dup := seen[key]; dup {
			lane.result.SkippedDuplicate++
			continue
		}
		seen[key] = struct{}{}
		if !normalized.RecordedAt.After(wmTS) {
			lane.result.SkippedDuplicate++
			continue
		}
		if existing != nil {
			if _, have := existing[normalized.RecordedAt.Unix()]; have {
				lane.result.SkippedDuplicate++
				continue
			}
		}
		pending = append(pending, normalized)
	}

	if len(pending) == 0 {
		lane.to(types.LaneDone)
		return lane.result
	}

	lane.to(types.LaneUploading)
	for _, m := range pending {
		if ctx.Err() != nil {
			lane.logger.Info("run canceled, remaining records wait for the next run")
			break
		}

		outcome, err := e.uploadWithRetry(ctx, m)
		if err != nil {
			var authErr *types.AuthError
			if errors.As(err, &authErr) {
				lane.logger.Error("sink session lost", "error", err)
				lane.result.AddError(err)
				lane.to(types.LaneFailed)
				return lane.result
			}
			lane.logger.Warn("upload failed", "recordedAt", m.RecordedAt, "error", err)
			lane.result.AddError(err)
			continue
		}
		if outcome == types.UploadDuplicate {
			lane.result.SkippedDuplicate++
		} else {
			lane.result.Uploaded++
		}

		// Duplicates advance too: the record exists at the sink either way.
		lane.to(types.LaneAdvancing)
		if !m.RecordedAt.Before(wmTS) {
			if err := e.store.Advance(ctx, source, metric, m.RecordedAt, m.SourceRecordID); err != nil {
				lane.logger.Error("advancing watermark failed", "recordedAt", m.RecordedAt, "error", err)
				lane.result.AddError(fmt.Errorf("advancing watermark: %w", err))
			} else {
				wmTS = m.RecordedAt
			}
		}
		lane.to(types.LaneUploading)
	}

	lane.to(types.LaneDone)
	return lane.result
}

// fetchWithRetry calls the source through its rate limit guard, retrying
// transient failures per the engine's policy.
func (e *Engine) fetchWithRetry(ctx context.Context, src service.Source, metric types.MetricType, since time.Time) ([]types.Measurement, error) {
	guard := e.guards[src.Service()]
	var records []types.Measurement
	for attempt := 1; ; attempt++ {
		err := guard.Execute(ctx, func() error {
			var ferr error
			records, ferr = src.FetchSince(ctx, metric, since)
			return ferr
		})
		if err == nil {
			return records, nil
		}
		if attempt >= e.retry.MaxAttempts || !schedule.IsRetryable(types.Classify(err)) {
			return nil, err
		}
		if sleepErr := sleep(ctx, schedule.CalculateBackoff(e.retry, attempt)); sleepErr != nil {
			return nil, err
		}
	}
}

// uploadWithRetry pushes one measurement through the sink's guard. A rate
// limit rejection fails the record immediately; backing off past the
// provider's window is the next run's job.
func (e *Engine) uploadWithRetry(ctx context.Context, m types.Measurement) (types.UploadOutcome, error) {
	guard := e.guards[e.sink.Service()]
	var outcome types.UploadOutcome
	for attempt := 1; ; attempt++ {
		err := guard.Execute(ctx, func() error {
			var uerr error
			outcome, uerr = e.sink.Upload(ctx, m)
			return uerr
		})
		if err == nil {
			return outcome, nil
		}
		var limited *types.RateLimitedError
		if errors.As(err, &limited) {
			return "", err
		}
		if attempt >= e.retry.MaxAttempts || !schedule.IsRetryable(types.Classify(err)) {
			return "", err
		}
		if sleepErr := sleep(ctx, schedule.CalculateBackoff(e.retry, attempt)); sleepErr != nil {
			return "", err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
