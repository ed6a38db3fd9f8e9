// End-to-end tests for the migration core: a real engine, scheduler, report
// pipeline and HTTP surface wired over scripted providers and an in-memory
// store. Provider wire behavior is covered by the service package tests and
// durable-store behavior by the storetest conformance suite; these tests pin
// down how the pieces behave together across whole runs.
package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/engine"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/notify"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/report"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/server"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/testutil"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/watcher"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

var migrationBase = time.Date(2023, time.March, 10, 8, 0, 0, 0, time.UTC)

// at offsets the fixture epoch, keeping record timestamps readable.
func at(d time.Duration) time.Time { return migrationBase.Add(d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openGuards removes provider pacing so tests never wait on token refills.
func openGuards() ratelimit.Set {
	return ratelimit.NewSet(map[types.ServiceName]types.RateLimitConfig{
		types.ServiceFitbit: {Rate: 10000, Burst: 10000},
		types.ServiceOmron:  {Rate: 10000, Burst: 10000},
		types.ServiceGarmin: {Rate: 10000, Burst: 10000},
	})
}

func record(metric types.MetricType, value float64, unit types.Unit, ts time.Time, id string) types.Measurement {
	source, _ := types.MetricSource(metric)
	return types.Measurement{
		Source:         source,
		MetricType:     metric,
		Value:          value,
		Unit:           unit,
		RecordedAt:     ts,
		SourceRecordID: id,
	}
}

type fixture struct {
	store  *testutil.MemStore
	fitbit *testutil.MockSource
	omron  *testutil.MockSource
	sink   *testutil.MockSink
}

func newFixture() *fixture {
	return &fixture{
		store:  testutil.NewMemStore(),
		fitbit: testutil.FixedSource(types.ServiceFitbit),
		omron:  testutil.FixedSource(types.ServiceOmron),
		sink:   &testutil.MockSink{},
	}
}

func (f *fixture) engine(resultFn func(types.RunResult)) *engine.Engine {
	return engine.New(engine.Options{
		Store: f.store,
		Sources: map[types.Source]service.Source{
			types.SourceFitbit: f.fitbit,
			types.SourceOmron:  f.omron,
		},
		Sink:     f.sink,
		Guards:   openGuards(),
		Logger:   quietLogger(),
		ResultFn: resultFn,
	})
}

func (f *fixture) watermark(t *testing.T, source types.Source, metric types.MetricType) types.Watermark {
	t.Helper()
	wm, err := f.store.Watermark(context.Background(), source, metric)
	require.NoError(t, err)
	return wm
}

func TestFirstRunMigratesFullHistory(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 180, types.UnitPound, at(2*time.Hour), "w2"),
		record(types.MetricBMI, 24.2, types.UnitIndex, at(time.Hour), "b1"),
		record(types.MetricBodyFat, 22.1, types.UnitPercent, at(time.Hour), "bf1"),
	)
	f.omron = testutil.FixedSource(types.ServiceOmron,
		record(types.MetricSystolic, 121, types.UnitMMHg, at(90*time.Minute), "s1"),
		record(types.MetricDiastolic, 79, types.UnitMMHg, at(90*time.Minute), "d1"),
		record(types.MetricPulse, 64, types.UnitBPM, at(90*time.Minute), "p1"),
	)

	result, err := f.engine(nil).Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, types.TriggerManual, result.Trigger)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	require.Len(t, result.PerMetric, 6)
	for metric, lane := range result.PerMetric {
		assert.Equal(t, types.LaneDone, lane.State, "lane %s", metric)
		assert.Zero(t, lane.Failed, "lane %s", metric)
	}
	assert.Equal(t, 2, result.PerMetric[types.MetricWeight].Uploaded)

	fetched, uploaded, skipped, failed := result.Totals()
	assert.Equal(t, 7, fetched)
	assert.Equal(t, 7, uploaded)
	assert.Zero(t, skipped)
	assert.Zero(t, failed)
	require.Len(t, f.sink.Uploads(), 7)

	// The pound record reaches the sink converted.
	for _, m := range f.sink.Uploads() {
		if m.SourceRecordID == "w2" {
			assert.Equal(t, 81.65, m.Value)
			assert.Equal(t, types.UnitKilogram, m.Unit)
		}
	}

	// One login per service covers all of its lanes.
	assert.Equal(t, 1, f.fitbit.AuthCalls())
	assert.Equal(t, 1, f.omron.AuthCalls())
	assert.Equal(t, 1, f.sink.AuthCalls())

	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(2*time.Hour)))
	assert.Equal(t, "w2", wm.LastRecordID)
	wm = f.watermark(t, types.SourceOmron, types.MetricPulse)
	assert.True(t, wm.LastMigratedAt.Equal(at(90*time.Minute)))

	assert.Empty(t, f.store.LockHolder())
}

func TestSecondRunFindsNothingNew(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)
	f.omron = testutil.FixedSource(types.ServiceOmron,
		record(types.MetricSystolic, 118, types.UnitMMHg, at(time.Hour), "s1"),
	)
	eng := f.engine(nil)

	first, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, types.RunSucceeded, first.Status)
	require.Len(t, f.sink.Uploads(), 2)

	second, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, second.Status)
	fetched, uploaded, _, _ := second.Totals()
	assert.Zero(t, fetched)
	assert.Zero(t, uploaded)
	assert.Len(t, f.sink.Uploads(), 2)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunResumesFromStoredWatermark(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 81.0, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 81.5, types.UnitKilogram, at(2*time.Hour), "w2"),
		record(types.MetricWeight, 82.0, types.UnitKilogram, at(3*time.Hour), "w3"),
	)
	f.store.SeedWatermark(types.Watermark{
		Source:         types.SourceFitbit,
		MetricType:     types.MetricWeight,
		LastMigratedAt: at(2 * time.Hour),
		LastRecordID:   "w2",
	})

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	// Records at or before the watermark are never refetched.
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 1, lane.Fetched)
	assert.Equal(t, 1, lane.Uploaded)
	require.Len(t, f.sink.Uploads(), 1)
	assert.Equal(t, "w3", f.sink.Uploads()[0].SourceRecordID)

	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(3*time.Hour)))
	assert.Equal(t, "w3", wm.LastRecordID)
}

func TestSinkDuplicateStillAdvancesWatermark(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 83.0, types.UnitKilogram, at(2*time.Hour), "w2"),
	)
	f.sink.UploadFn = func(context.Context, types.Measurement) (types.UploadOutcome, error) {
		return types.UploadDuplicate, nil
	}

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	// The sink already holds the records, so the run finds no new work and
	// still succeeds.
	assert.Equal(t, types.RunSucceeded, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 2, lane.Fetched)
	assert.Zero(t, lane.Uploaded)
	assert.Equal(t, 2, lane.SkippedDuplicate)
	assert.Empty(t, f.sink.Uploads())

	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(2*time.Hour)))
}

func TestUploadsAscendWithinLane(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 83.0, types.UnitKilogram, at(4*time.Hour), "w4"),
		record(types.MetricWeight, 81.0, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(3*time.Hour), "w3"),
		record(types.MetricWeight, 81.5, types.UnitKilogram, at(2*time.Hour), "w2"),
	)

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, types.RunSucceeded, result.Status)

	uploads := f.sink.Uploads()
	require.Len(t, uploads, 4)
	for i := 1; i < len(uploads); i++ {
		assert.True(t, uploads[i-1].RecordedAt.Before(uploads[i].RecordedAt),
			"upload %d (%s) should precede upload %d (%s)",
			i-1, uploads[i-1].RecordedAt, i, uploads[i].RecordedAt)
	}

	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(4*time.Hour)))
	assert.Equal(t, "w4", wm.LastRecordID)
}

func TestSourceAuthFailureIsIsolated(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)
	f.fitbit.AuthFn = func(context.Context) error {
		return &types.AuthError{Service: types.ServiceFitbit, Err: errors.New("refresh token revoked")}
	}
	f.omron = testutil.FixedSource(types.ServiceOmron,
		record(types.MetricSystolic, 122, types.UnitMMHg, at(time.Hour), "s1"),
		record(types.MetricPulse, 58, types.UnitBPM, at(time.Hour), "p1"),
	)

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	for _, metric := range types.SourceMetrics[types.SourceFitbit] {
		lane := result.PerMetric[metric]
		assert.Equal(t, types.LaneFailed, lane.State, "lane %s", metric)
		require.NotEmpty(t, lane.ErrorSamples, "lane %s", metric)
		assert.Contains(t, lane.ErrorSamples[0], "authenticating fitbit")
	}
	for _, metric := range types.SourceMetrics[types.SourceOmron] {
		assert.Equal(t, types.LaneDone, result.PerMetric[metric].State, "lane %s", metric)
	}

	// The failed login happened once, not once per lane.
	assert.Equal(t, 1, f.fitbit.AuthCalls())

	// Only the healthy source made progress.
	require.Len(t, f.sink.Uploads(), 2)
	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(time.Unix(0, 0)))
	wm = f.watermark(t, types.SourceOmron, types.MetricSystolic)
	assert.True(t, wm.LastMigratedAt.Equal(at(time.Hour)))
}

func TestSinkAuthFailureFailsRun(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)
	f.omron = testutil.FixedSource(types.ServiceOmron,
		record(types.MetricSystolic, 122, types.UnitMMHg, at(time.Hour), "s1"),
	)
	f.sink.AuthFn = func(context.Context) error {
		return &types.AuthError{Service: types.ServiceGarmin, Err: errors.New("password rejected")}
	}

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, result.Status)
	for metric, lane := range result.PerMetric {
		assert.Equal(t, types.LaneFailed, lane.State, "lane %s", metric)
	}
	assert.Equal(t, 1, f.sink.AuthCalls())
	assert.Empty(t, f.sink.Uploads())

	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(time.Unix(0, 0)))
}

func TestUploadFailureSkipsRecordOnly(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 81.0, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 81.5, types.UnitKilogram, at(2*time.Hour), "w2"),
		record(types.MetricWeight, 82.0, types.UnitKilogram, at(3*time.Hour), "w3"),
	)
	f.sink.UploadFn = func(_ context.Context, m types.Measurement) (types.UploadOutcome, error) {
		if m.SourceRecordID == "w2" {
			return "", &types.PermanentUploadError{Service: types.ServiceGarmin, Err: errors.New("malformed payload")}
		}
		return types.UploadAccepted, nil
	}

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	// One bad record degrades the run but does not stop the lane: the later
	// record uploads and carries the watermark past the failure.
	assert.Equal(t, types.RunPartial, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneDone, lane.State)
	assert.Equal(t, 3, lane.Fetched)
	assert.Equal(t, 2, lane.Uploaded)
	assert.Equal(t, 1, lane.Failed)
	require.NotEmpty(t, lane.ErrorSamples)
	assert.Contains(t, lane.ErrorSamples[0], "malformed payload")

	require.Len(t, f.sink.Uploads(), 2)
	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(3*time.Hour)))
}

func TestSinkSessionLossStopsLaneKeepingProgress(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 81.0, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 81.5, types.UnitKilogram, at(2*time.Hour), "w2"),
		record(types.MetricWeight, 82.0, types.UnitKilogram, at(3*time.Hour), "w3"),
	)
	uploads := 0
	f.sink.UploadFn = func(context.Context, types.Measurement) (types.UploadOutcome, error) {
		uploads++
		if uploads > 1 {
			return "", &types.AuthError{Service: types.ServiceGarmin, Err: errors.New("session expired")}
		}
		return types.UploadAccepted, nil
	}

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneFailed, lane.State)
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 1, lane.Failed)

	// Progress up to the session loss stays durable; the rest waits for the
	// next run.
	wm := f.watermark(t, types.SourceFitbit, types.MetricWeight)
	assert.True(t, wm.LastMigratedAt.Equal(at(time.Hour)))
	assert.Equal(t, "w1", wm.LastRecordID)
}

func TestImplausibleValueIsDroppedAndCounted(t *testing.T) {
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 5000, types.UnitKilogram, at(time.Hour), "w1"),
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(2*time.Hour), "w2"),
	)

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneDone, lane.State)
	assert.Equal(t, 2, lane.Fetched)
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 1, lane.Failed)
	require.NotEmpty(t, lane.ErrorSamples)
	assert.Contains(t, lane.ErrorSamples[0], "outside plausible range")

	require.Len(t, f.sink.Uploads(), 1)
	assert.Equal(t, "w2", f.sink.Uploads()[0].SourceRecordID)
}

func TestBloodPressurePreTrimSkipsReadingsAlreadyAtSink(t *testing.T) {
	f := newFixture()
	f.omron = testutil.FixedSource(types.ServiceOmron,
		record(types.MetricSystolic, 119, types.UnitMMHg, at(time.Hour), "s1"),
		record(types.MetricSystolic, 123, types.UnitMMHg, at(2*time.Hour), "s2"),
	)
	listCalls := 0
	f.sink.ListFn = func(_ context.Context, since time.Time) ([]time.Time, error) {
		listCalls++
		assert.True(t, since.Equal(time.Unix(0, 0)))
		return []time.Time{at(time.Hour)}, nil
	}

	result, err := f.engine(nil).Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, result.Status)
	lane := result.PerMetric[types.MetricSystolic]
	assert.Equal(t, 2, lane.Fetched)
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 1, lane.SkippedDuplicate)

	require.Len(t, f.sink.Uploads(), 1)
	assert.Equal(t, "s2", f.sink.Uploads()[0].SourceRecordID)

	// One listing serves every blood pressure lane in the run.
	assert.Equal(t, 1, listCalls)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)
	eng := f.engine(nil)

	require.NoError(t, f.store.AcquireRunLock(ctx, "01HOLDER", time.Minute))

	_, err := eng.Run(ctx, types.TriggerManual)
	var busy *types.RunAlreadyInProgressError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "01HOLDER", busy.HolderRunID)
	assert.Empty(t, f.sink.Uploads())

	require.NoError(t, f.store.ReleaseRunLock(ctx, "01HOLDER"))

	result, err := eng.Run(ctx, types.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.Empty(t, f.store.LockHolder())
}

func TestRunReportFlowsToLogNotifierAndStatus(t *testing.T) {
	dir := t.TempDir()
	always := filepath.Join(dir, "all-runs.jsonl")
	failuresOnly := filepath.Join(dir, "failures.jsonl")

	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)

	dispatcher, err := notify.NewDispatcher([]types.NotifyConfig{
		{Type: types.NotifyFile, Path: always, OnSuccess: true},
		{Type: types.NotifyFile, Path: failuresOnly},
	}, quietLogger())
	require.NoError(t, err)

	reporter := report.New(f.store, dispatcher, quietLogger())
	eng := f.engine(reporter.Record)

	result, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, types.RunSucceeded, result.Status)

	latest, ok := reporter.Latest()
	require.True(t, ok)
	assert.Equal(t, result.RunID, latest.RunID)

	runs, err := f.store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].RunID)

	// The on-success target hears about the run, the failures-only one
	// stays silent.
	logged := readRunLog(t, always)
	require.Len(t, logged, 1)
	assert.Equal(t, result.RunID, logged[0].RunID)
	assert.Equal(t, types.RunSucceeded, logged[0].Status)
	assert.Empty(t, readRunLog(t, failuresOnly))

	// A degraded second run reaches both targets, newest first in the log.
	f.fitbit.AuthFn = func(context.Context) error {
		return &types.AuthError{Service: types.ServiceFitbit, Err: errors.New("token expired")}
	}
	second, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, types.RunPartial, second.Status)

	runs, err = f.store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)

	assert.Len(t, readRunLog(t, always), 2)
	failures := readRunLog(t, failuresOnly)
	require.Len(t, failures, 1)
	assert.Equal(t, second.RunID, failures[0].RunID)
}

func TestManualTriggerThroughServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fitbit = testutil.FixedSource(types.ServiceFitbit,
		record(types.MetricWeight, 82.5, types.UnitKilogram, at(time.Hour), "w1"),
	)

	reporter := report.New(f.store, nil, quietLogger())
	eng := f.engine(reporter.Record)

	w := watcher.New(watcher.Options{
		Runner:   eng,
		Interval: time.Hour,
		Logger:   quietLogger(),
	})
	w.Start(ctx)
	defer w.Stop(context.Background())

	srv := server.New(server.Options{
		Store:     f.store,
		Reporter:  reporter,
		Guards:    openGuards(),
		TriggerFn: w.TriggerRun,
		AuthToken: "sesame",
		Logger:    quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// The trigger endpoint rejects requests without the bearer token.
	resp, err := ts.Client().Post(ts.URL+"/api/v1/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/run", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	testutil.WaitFor(t, 5*time.Second, func() bool {
		runs, err := f.store.RecentRuns(ctx, 1)
		return err == nil && len(runs) == 1
	}, "triggered run recorded")

	runs, err := f.store.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.TriggerManual, runs[0].Trigger)
	assert.Equal(t, types.RunSucceeded, runs[0].Status)

	resp, err = ts.Client().Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		LatestRun  *types.RunResult        `json:"latestRun"`
		Watermarks types.WatermarkSnapshot `json:"watermarks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NotNil(t, status.LatestRun)
	assert.Equal(t, runs[0].RunID, status.LatestRun.RunID)

	found := false
	for _, wm := range status.Watermarks.Watermarks {
		if wm.Source == types.SourceFitbit && wm.MetricType == types.MetricWeight {
			found = true
			assert.True(t, wm.LastMigratedAt.Equal(at(time.Hour)))
		}
	}
	assert.True(t, found, "weight watermark missing from status")
}

// readRunLog parses a file notifier's JSONL output.
func readRunLog(t *testing.T, path string) []types.RunResult {
	t.Helper()
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer file.Close()

	var results []types.RunResult
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r types.RunResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.NoError(t, scanner.Err())
	return results
}
