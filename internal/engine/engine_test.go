package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/testutil"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

func newTestEngine(st store.Store, sources map[types.Source]service.Source, sink service.Sink) *Engine {
	return New(Options{
		Store:   st,
		Sources: sources,
		Sink:    sink,
		Retry:   types.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 0, BackoffMultiplier: 1},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func fitbitOnly(src service.Source) map[types.Source]service.Source {
	return map[types.Source]service.Source{types.SourceFitbit: src}
}

func weightAt(ts time.Time, value float64, id string) types.Measurement {
	return types.Measurement{
		Source:         types.SourceFitbit,
		MetricType:     types.MetricWeight,
		Value:          value,
		Unit:           types.UnitKilogram,
		RecordedAt:     ts,
		SourceRecordID: id,
	}
}

func bpAt(metric types.MetricType, ts time.Time, value float64) types.Measurement {
	unit := types.UnitMMHg
	if metric == types.MetricPulse {
		unit = types.UnitBPM
	}
	return types.Measurement{
		Source:     types.SourceOmron,
		MetricType: metric,
		Value:      value,
		Unit:       unit,
		RecordedAt: ts,
	}
}

func TestEngine_RunMigratesNewRecords(t *testing.T) {
	st := testutil.NewMemStore()
	st.SeedWatermark(types.Watermark{
		Source:         types.SourceFitbit,
		MetricType:     types.MetricWeight,
		LastMigratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	first := weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001")
	second := weightAt(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 70.3, "1002")
	src := testutil.FixedSource(types.ServiceFitbit, first, second)
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, types.TriggerManual, result.Trigger)
	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.Len(t, result.PerMetric, 3)

	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneDone, lane.State)
	assert.Equal(t, 2, lane.Fetched)
	assert.Equal(t, 2, lane.Uploaded)
	assert.Equal(t, 0, lane.SkippedDuplicate)
	assert.Equal(t, 0, lane.Failed)

	uploads := sink.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, 70.1, uploads[0].Value)
	assert.Equal(t, 70.3, uploads[1].Value)

	wm, err := st.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(second.RecordedAt))
	assert.Equal(t, "1002", wm.LastRecordID)

	assert.Empty(t, st.LockHolder())
}

func TestEngine_SecondRunIsIdempotent(t *testing.T) {
	st := testutil.NewMemStore()
	src := testutil.FixedSource(types.ServiceFitbit,
		weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001"),
		weightAt(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 70.3, "1002"))
	sink := &testutil.MockSink{}
	eng := newTestEngine(st, fitbitOnly(src), sink)

	_, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	require.Len(t, sink.Uploads(), 2)

	result, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 0, lane.Fetched)
	assert.Equal(t, 0, lane.Uploaded)
	assert.Len(t, sink.Uploads(), 2)
}

func TestEngine_RecordsAtWatermarkAreSkipped(t *testing.T) {
	wmTS := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	st := testutil.NewMemStore()
	st.SeedWatermark(types.Watermark{
		Source:         types.SourceFitbit,
		MetricType:     types.MetricWeight,
		LastMigratedAt: wmTS,
	})

	// This source ignores the cutoff, so the engine has to enforce it.
	src := &testutil.MockSource{
		FetchFn: func(context.Context, types.MetricType, time.Time) ([]types.Measurement, error) {
			return []types.Measurement{
				weightAt(wmTS, 69.8, "2001"),
				weightAt(wmTS.Add(time.Hour), 70.0, "2002"),
			}, nil
		},
	}
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 1, lane.SkippedDuplicate)
	assert.Equal(t, 1, lane.Uploaded)
	require.Len(t, sink.Uploads(), 1)
	assert.Equal(t, "2002", sink.Uploads()[0].SourceRecordID)
}

func TestEngine_PermanentUploadFailureHoldsWatermark(t *testing.T) {
	st := testutil.NewMemStore()
	st.SeedWatermark(types.Watermark{
		Source:         types.SourceFitbit,
		MetricType:     types.MetricWeight,
		LastMigratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	first := weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001")
	second := weightAt(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 70.3, "1002")
	src := testutil.FixedSource(types.ServiceFitbit, first, second)

	sink := &testutil.MockSink{}
	sink.UploadFn = func(_ context.Context, m types.Measurement) (types.UploadOutcome, error) {
		if m.SourceRecordID == "1002" {
			return "", &types.PermanentUploadError{Service: types.ServiceGarmin, Err: errors.New("bad payload")}
		}
		return types.UploadAccepted, nil
	}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneDone, lane.State)
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 1, lane.Failed)
	require.NotEmpty(t, lane.ErrorSamples)
	assert.Contains(t, lane.ErrorSamples[0], "bad payload")

	wm, err := st.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(first.RecordedAt), "watermark must stay at the last uploaded record")
}

func TestEngine_InRunDuplicatesCollapse(t *testing.T) {
	ts := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	st := testutil.NewMemStore()
	src := &testutil.MockSource{
		FetchFn: func(context.Context, types.MetricType, time.Time) ([]types.Measurement, error) {
			return []types.Measurement{
				weightAt(ts, 70.1, "3001"),
				weightAt(ts.Add(time.Minute), 70.1, "3001"),
			}, nil
		},
	}
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 1, lane.SkippedDuplicate)
	assert.Len(t, sink.Uploads(), 1)
}

func TestEngine_LockHeldRejectsRun(t *testing.T) {
	st := testutil.NewMemStore()
	require.NoError(t, st.AcquireRunLock(context.Background(), "other-run", time.Hour))

	eng := newTestEngine(st, fitbitOnly(&testutil.MockSource{}), &testutil.MockSink{})
	_, err := eng.Run(context.Background(), types.TriggerManual)

	var inProgress *types.RunAlreadyInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, "other-run", inProgress.HolderRunID)
	assert.Equal(t, "other-run", st.LockHolder())
}

func TestEngine_AuthenticatesEachServiceOncePerRun(t *testing.T) {
	st := testutil.NewMemStore()
	src := testutil.FixedSource(types.ServiceFitbit,
		weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001"))
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	_, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, src.AuthCalls(), "three lanes share one source login")
	assert.Equal(t, 1, sink.AuthCalls())
}

func TestEngine_SourceAuthFailureFailsItsLanes(t *testing.T) {
	st := testutil.NewMemStore()
	fitbit := &testutil.MockSource{
		Name: types.ServiceFitbit,
		AuthFn: func(context.Context) error {
			return &types.AuthError{Service: types.ServiceFitbit, Err: errors.New("refresh token revoked")}
		},
	}
	omron := testutil.FixedSource(types.ServiceOmron,
		bpAt(types.MetricSystolic, time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC), 128))
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, map[types.Source]service.Source{
		types.SourceFitbit: fitbit,
		types.SourceOmron:  omron,
	}, sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	for _, metric := range types.SourceMetrics[types.SourceFitbit] {
		assert.Equal(t, types.LaneFailed, result.PerMetric[metric].State, string(metric))
	}
	assert.Equal(t, types.LaneDone, result.PerMetric[types.MetricSystolic].State)
	assert.Equal(t, 1, result.PerMetric[types.MetricSystolic].Uploaded)
	assert.Equal(t, 1, fitbit.AuthCalls(), "failed login is not repeated within the run")
}

func TestEngine_AllLanesFailedMeansRunFailed(t *testing.T) {
	st := testutil.NewMemStore()
	src := &testutil.MockSource{
		AuthFn: func(context.Context) error {
			return &types.AuthError{Service: types.ServiceFitbit, Err: errors.New("bad credentials")}
		},
	}
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, result.Status)
	assert.Equal(t, 0, sink.AuthCalls(), "sink login is pointless once the source is down")
	assert.Empty(t, st.LockHolder())
}

func TestEngine_TransientFetchRetriesThenSucceeds(t *testing.T) {
	st := testutil.NewMemStore()
	var weightCalls atomic.Int32
	src := &testutil.MockSource{
		FetchFn: func(_ context.Context, metric types.MetricType, _ time.Time) ([]types.Measurement, error) {
			if metric != types.MetricWeight {
				return nil, nil
			}
			if weightCalls.Add(1) < 3 {
				return nil, &types.TransientFetchError{Service: types.ServiceFitbit, Err: errors.New("gateway timeout")}
			}
			return []types.Measurement{weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001")}, nil
		},
	}
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int32(3), weightCalls.Load())
	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.Equal(t, 1, result.PerMetric[types.MetricWeight].Uploaded)
}

func TestEngine_PermanentFetchFailsWithoutRetry(t *testing.T) {
	st := testutil.NewMemStore()
	var calls atomic.Int32
	src := &testutil.MockSource{
		FetchFn: func(context.Context, types.MetricType, time.Time) ([]types.Measurement, error) {
			calls.Add(1)
			return nil, &types.PermanentFetchError{Service: types.ServiceFitbit, Err: errors.New("scope missing")}
		},
	}

	eng := newTestEngine(st, fitbitOnly(src), &testutil.MockSink{})
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load(), "one attempt per lane, no retries")
	assert.Equal(t, types.RunFailed, result.Status)
	for _, metric := range types.SourceMetrics[types.SourceFitbit] {
		lane := result.PerMetric[metric]
		assert.Equal(t, types.LaneFailed, lane.State, string(metric))
		assert.Equal(t, 0, lane.Fetched)
	}
}

func TestEngine_RateLimitedUploadFailsWithoutRetry(t *testing.T) {
	st := testutil.NewMemStore()
	src := testutil.FixedSource(types.ServiceFitbit,
		weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001"))

	var uploadCalls atomic.Int32
	sink := &testutil.MockSink{}
	sink.UploadFn = func(context.Context, types.Measurement) (types.UploadOutcome, error) {
		uploadCalls.Add(1)
		return "", &types.RateLimitedError{Service: types.ServiceGarmin, RetryAfter: time.Minute}
	}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int32(1), uploadCalls.Load(), "retrying into a hard limit makes it worse")
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 1, lane.Failed)
	assert.Equal(t, 0, lane.Uploaded)
	assert.Equal(t, types.RunPartial, result.Status)

	wm, err := st.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(time.Unix(0, 0).UTC()), "nothing uploaded, nothing advanced")
}

func TestEngine_DuplicateUploadAdvancesWatermark(t *testing.T) {
	st := testutil.NewMemStore()
	first := weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001")
	second := weightAt(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 70.3, "1002")
	src := testutil.FixedSource(types.ServiceFitbit, first, second)

	sink := &testutil.MockSink{}
	sink.UploadFn = func(context.Context, types.Measurement) (types.UploadOutcome, error) {
		return types.UploadDuplicate, nil
	}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 0, lane.Uploaded)
	assert.Equal(t, 2, lane.SkippedDuplicate)

	wm, err := st.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, err)
	assert.True(t, wm.LastMigratedAt.Equal(second.RecordedAt), "records already at the sink still advance")
}

func TestEngine_BloodPressurePreTrimSharedAcrossLanes(t *testing.T) {
	existing := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	fresh := time.Date(2024, 3, 1, 7, 31, 0, 0, time.UTC)

	st := testutil.NewMemStore()
	omron := testutil.FixedSource(types.ServiceOmron,
		bpAt(types.MetricSystolic, existing, 128),
		bpAt(types.MetricDiastolic, fresh, 82))

	var listCalls atomic.Int32
	sink := &testutil.MockSink{}
	sink.ListFn = func(_ context.Context, since time.Time) ([]time.Time, error) {
		listCalls.Add(1)
		assert.True(t, since.Equal(time.Unix(0, 0).UTC()), "fresh watermarks list from the epoch")
		return []time.Time{existing}, nil
	}

	eng := newTestEngine(st, map[types.Source]service.Source{types.SourceOmron: omron}, sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int32(1), listCalls.Load(), "three lanes share one listing")
	assert.Equal(t, 1, result.PerMetric[types.MetricSystolic].SkippedDuplicate)
	assert.Equal(t, 0, result.PerMetric[types.MetricSystolic].Uploaded)
	assert.Equal(t, 1, result.PerMetric[types.MetricDiastolic].Uploaded)
}

func TestEngine_BloodPressureListFailureStillUploads(t *testing.T) {
	st := testutil.NewMemStore()
	omron := testutil.FixedSource(types.ServiceOmron,
		bpAt(types.MetricSystolic, time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC), 128))

	sink := &testutil.MockSink{}
	sink.ListFn = func(context.Context, time.Time) ([]time.Time, error) {
		return nil, &types.TransientFetchError{Service: types.ServiceGarmin, Err: errors.New("range listing down")}
	}

	eng := newTestEngine(st, map[types.Source]service.Source{types.SourceOmron: omron}, sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.Equal(t, 1, result.PerMetric[types.MetricSystolic].Uploaded)
	assert.Len(t, sink.Uploads(), 1)
}

func TestEngine_CancelMidLaneKeepsWatermarkConsistent(t *testing.T) {
	st := testutil.NewMemStore()
	first := weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001")
	rest := []types.Measurement{
		weightAt(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC), 70.3, "1002"),
		weightAt(time.Date(2024, 1, 4, 8, 0, 0, 0, time.UTC), 70.5, "1003"),
	}
	src := testutil.FixedSource(types.ServiceFitbit, append([]types.Measurement{first}, rest...)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &testutil.MockSink{}
	sink.UploadFn = func(_ context.Context, m types.Measurement) (types.UploadOutcome, error) {
		cancel()
		return types.UploadAccepted, nil
	}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(ctx, types.TriggerManual)
	require.NoError(t, err)

	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, types.LaneDone, lane.State, "an interrupted lane is not a failed lane")
	assert.Equal(t, 3, lane.Fetched)
	assert.Equal(t, 1, lane.Uploaded)
	assert.Equal(t, 0, lane.Failed)

	wm, werr := st.Watermark(context.Background(), types.SourceFitbit, types.MetricWeight)
	require.NoError(t, werr)
	assert.True(t, wm.LastMigratedAt.Equal(first.RecordedAt))
	assert.Empty(t, st.LockHolder(), "lock release survives cancellation")
}

func TestEngine_OutOfRangeValueDropped(t *testing.T) {
	st := testutil.NewMemStore()
	src := testutil.FixedSource(types.ServiceFitbit,
		weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 700, "1001"))
	sink := &testutil.MockSink{}

	eng := newTestEngine(st, fitbitOnly(src), sink)
	result, err := eng.Run(context.Background(), types.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, types.RunPartial, result.Status)
	lane := result.PerMetric[types.MetricWeight]
	assert.Equal(t, 1, lane.Failed)
	assert.Equal(t, 0, lane.Uploaded)
	assert.Empty(t, sink.Uploads())
}

func TestEngine_ResultFnReceivesRun(t *testing.T) {
	st := testutil.NewMemStore()
	src := testutil.FixedSource(types.ServiceFitbit,
		weightAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), 70.1, "1001"))
	sink := &testutil.MockSink{}

	var captured types.RunResult
	eng := New(Options{
		Store:    st,
		Sources:  fitbitOnly(src),
		Sink:     sink,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ResultFn: func(r types.RunResult) { captured = r },
	})

	result, err := eng.Run(context.Background(), types.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, captured.RunID)
	assert.Equal(t, types.RunSucceeded, captured.Status)
}
