// Package storetest holds the conformance suite every store backend must
// pass. Backends run it from their own test files with a factory that
// returns a started store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// RunLogLimit is the retention limit backends must be configured with when
// running the suite.
const RunLogLimit = 5

// Factory returns a fresh started store for one subtest. Cleanup is the
// factory's responsibility via t.Cleanup.
type Factory func(t *testing.T) store.Store

// RunAll exercises the full store contract against one backend.
func RunAll(t *testing.T, factory Factory) {
	t.Run("PingAfterStart", func(t *testing.T) { testPing(t, factory(t)) })
	t.Run("WatermarkDefaultsToEpochZero", func(t *testing.T) { testWatermarkDefault(t, factory(t)) })
	t.Run("AdvancePersists", func(t *testing.T) { testAdvancePersists(t, factory(t)) })
	t.Run("AdvanceEqualTimestampSameID", func(t *testing.T) { testAdvanceEqualSameID(t, factory(t)) })
	t.Run("AdvanceEqualTimestampNewID", func(t *testing.T) { testAdvanceEqualNewID(t, factory(t)) })
	t.Run("AdvanceRejectsRegression", func(t *testing.T) { testAdvanceRegression(t, factory(t)) })
	t.Run("AdvanceIsolatesPairs", func(t *testing.T) { testAdvanceIsolation(t, factory(t)) })
	t.Run("RunLockExcludesSecondRun", func(t *testing.T) { testRunLockExclusion(t, factory(t)) })
	t.Run("RunLockTakesOverExpired", func(t *testing.T) { testRunLockTakeover(t, factory(t)) })
	t.Run("RunLockReleaseIdempotent", func(t *testing.T) { testRunLockRelease(t, factory(t)) })
	t.Run("RunLogNewestFirstAndPruned", func(t *testing.T) { testRunLog(t, factory(t)) })
}

func testPing(t *testing.T, s store.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}

func testWatermarkDefault(t *testing.T, s store.Store) {
	wm, err := s.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)

	assert.Equal(t, types.SourceFitbit, wm.Source)
	assert.Equal(t, types.MetricWeight, wm.MetricType)
	assert.True(t, wm.LastMigratedAt.Equal(time.Unix(0, 0)))
	assert.Empty(t, wm.LastRecordID)
}

func testAdvancePersists(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)

	require.NoError(t, s.Advance(ctx, types.SourceFitbit, types.MetricWeight, ts, "rec-1"))

	wm, err := s.Watermark(ctx, types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(ts))
	assert.Equal(t, "rec-1", wm.LastRecordID)
	assert.False(t, wm.UpdatedAt.IsZero())
}

func testAdvanceEqualSameID(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)

	require.NoError(t, s.Advance(ctx, types.SourceFitbit, types.MetricWeight, ts, "rec-1"))
	require.NoError(t, s.Advance(ctx, types.SourceFitbit, types.MetricWeight, ts, "rec-1"))

	wm, err := s.Watermark(ctx, types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(ts))
	assert.Equal(t, "rec-1", wm.LastRecordID)
}

func testAdvanceEqualNewID(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)

	require.NoError(t, s.Advance(ctx, types.SourceOmron, types.MetricSystolic, ts, "rec-a"))
	require.NoError(t, s.Advance(ctx, types.SourceOmron, types.MetricSystolic, ts, "rec-b"))

	wm, err := s.Watermark(ctx, types.SourceOmron, types.MetricSystolic)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(ts))
	assert.Equal(t, "rec-b", wm.LastRecordID)
}

func testAdvanceRegression(t *testing.T, s store.Store) {
	ctx := context.Background()
	newer := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)
	older := newer.Add(-24 * time.Hour)

	require.NoError(t, s.Advance(ctx, types.SourceFitbit, types.MetricBMI, newer, "rec-2"))

	err := s.Advance(ctx, types.SourceFitbit, types.MetricBMI, older, "rec-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrWatermarkRegression))

	wm, err := s.Watermark(ctx, types.SourceFitbit, types.MetricBMI)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(newer))
	assert.Equal(t, "rec-2", wm.LastRecordID)
}

func testAdvanceIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 3, 7, 30, 0, 0, time.UTC)

	require.NoError(t, s.Advance(ctx, types.SourceFitbit, types.MetricWeight, ts, "rec-1"))

	for _, pair := range []struct {
		source types.Source
		metric types.MetricType
	}{
		{types.SourceFitbit, types.MetricBMI},
		{types.SourceFitbit, types.MetricBodyFat},
		{types.SourceOmron, types.MetricSystolic},
	} {
		wm, err := s.Watermark(ctx, pair.source, pair.metric)
		require.NoError(t, err)
		assert.True(t, wm.LastMigratedAt.Equal(time.Unix(0, 0)), "%s/%s moved", pair.source, pair.metric)
	}
}

func testRunLockExclusion(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.AcquireRunLock(ctx, "run-a", time.Minute))

	err := s.AcquireRunLock(ctx, "run-b", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRunLockHeld))

	var held *store.LockHeldError
	if assert.True(t, errors.As(err, &held)) {
		assert.Equal(t, "run-a", held.HolderRunID)
	}

	require.NoError(t, s.ReleaseRunLock(ctx, "run-a"))
	assert.NoError(t, s.AcquireRunLock(ctx, "run-b", time.Minute))
}

func testRunLockTakeover(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.AcquireRunLock(ctx, "run-a", 50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)

	assert.NoError(t, s.AcquireRunLock(ctx, "run-b", time.Minute))
}

func testRunLockRelease(t *testing.T, s store.Store) {
	ctx := context.Background()

	assert.NoError(t, s.ReleaseRunLock(ctx, "run-never"))

	require.NoError(t, s.AcquireRunLock(ctx, "run-a", time.Minute))
	assert.NoError(t, s.ReleaseRunLock(ctx, "run-a"))
	assert.NoError(t, s.ReleaseRunLock(ctx, "run-a"))

	// A non-holder release leaves the live lock in place.
	require.NoError(t, s.AcquireRunLock(ctx, "run-b", time.Minute))
	assert.NoError(t, s.ReleaseRunLock(ctx, "run-c"))
	err := s.AcquireRunLock(ctx, "run-d", time.Minute)
	assert.True(t, errors.Is(err, store.ErrRunLockHeld))
}

func testRunLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	for i := 1; i <= RunLogLimit+2; i++ {
		result := types.RunResult{
			RunID:      string(rune('a'-1+i)) + "-run",
			Trigger:    types.TriggerScheduled,
			Status:     types.RunSucceeded,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			PerMetric: map[types.MetricType]types.LaneResult{
				types.MetricWeight: {
					Source:     types.SourceFitbit,
					MetricType: types.MetricWeight,
					State:      types.LaneDone,
					Fetched:    i,
					Uploaded:   i,
				},
			},
		}
		require.NoError(t, s.AppendRunLog(ctx, result))
	}

	runs, err := s.RecentRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, RunLogLimit)
	assert.Equal(t, "g-run", runs[0].RunID)
	assert.Equal(t, "c-run", runs[RunLogLimit-1].RunID)
	assert.Equal(t, 7, runs[0].PerMetric[types.MetricWeight].Fetched)

	top, err := s.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "g-run", top[0].RunID)
	assert.Equal(t, "f-run", top[1].RunID)
}
