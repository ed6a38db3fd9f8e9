// Package engine orchestrates migration runs: one concurrent lane per
// (source, metric) pair, moving records from the sources into the sink
// behind the watermark store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/ratelimit"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/schedule"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/transform"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// releaseTimeout bounds the lock release after the run context is gone.
const releaseTimeout = 10 * time.Second

// laneOrder fixes which sources run and in what listing order.
var laneOrder = []types.Source{types.SourceFitbit, types.SourceOmron}

// Options bundles the engine's collaborators. Store, Sink and at least one
// entry in Sources are required; everything else defaults.
type Options struct {
	Store      store.Store
	Sources    map[types.Source]service.Source
	Sink       service.Sink
	Guards     ratelimit.Set
	Normalizer *transform.Normalizer
	Retry      types.RetryPolicy
	LockTTL    time.Duration
	Logger     *slog.Logger

	// ResultFn receives every finished run while the run lock is still
	// held, so history and notifications stay ordered with the run itself.
	ResultFn func(types.RunResult)
}

// Engine executes migration runs. The store's advisory lock keeps runs
// mutually exclusive across processes.
type Engine struct {
	store    store.Store
	sources  map[types.Source]service.Source
	sink     service.Sink
	guards   ratelimit.Set
	norm     *transform.Normalizer
	retry    types.RetryPolicy
	lockTTL  time.Duration
	logger   *slog.Logger
	resultFn func(types.RunResult)
}

// New wires an Engine from opts, filling unset fields with defaults.
func New(opts Options) *Engine {
	guards := ratelimit.NewSet(nil)
	for svc, g := range opts.Guards {
		guards[svc] = g
	}
	norm := opts.Normalizer
	if norm == nil {
		norm = transform.New(nil)
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = schedule.DefaultRetryPolicy()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = store.DefaultRunLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		sources:  opts.Sources,
		sink:     opts.Sink,
		guards:   guards,
		norm:     norm,
		retry:    retry,
		lockTTL:  lockTTL,
		logger:   logger,
		resultFn: opts.ResultFn,
	}
}

// Run executes one migration run. A concurrent run elsewhere surfaces as
// *types.RunAlreadyInProgressError; lane failures never fail the run, they
// degrade its status instead.
func (e *Engine) Run(ctx context.Context, trigger types.RunTrigger) (types.RunResult, error) {
	runID := ulid.Make().String()
	startedAt := time.Now().UTC()

	if err := e.store.AcquireRunLock(ctx, runID, e.lockTTL); err != nil {
		var held *store.LockHeldError
		if errors.As(err, &held) {
			return types.RunResult{}, &types.RunAlreadyInProgressError{HolderRunID: held.HolderRunID}
		}
		return types.RunResult{}, fmt.Errorf("acquiring run lock: %w", err)
	}
	defer e.releaseLock(ctx, runID)

	logger := e.logger.With("runId", runID, "trigger", string(trigger))
	logger.Info("migration run starting")

	run := e.newRunState(runID)

	var (
		mu    sync.Mutex
		lanes = make(map[types.MetricType]types.LaneResult)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, source := range laneOrder {
		src, ok := e.sources[source]
		if !ok {
			continue
		}
		for _, metric := range types.SourceMetrics[source] {
			g.Go(func() error {
				lane := e.runLane(gctx, run, logger, source, src, metric)
				mu.Lock()
				lanes[metric] = lane
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	result := types.RunResult{
		RunID:      runID,
		Trigger:    trigger,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		PerMetric:  lanes,
	}
	result.Status = result.ComputeStatus()

	fetched, uploaded, skipped, failed := result.Totals()
	logger.Info("migration run finished",
		"status", string(result.Status),
		"fetched", fetched,
		"uploaded", uploaded,
		"skipped", skipped,
		"failed", failed,
		"duration", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond).String())

	if e.resultFn != nil {
		e.resultFn(result)
	}
	return result, nil
}

// releaseLock runs on a detached context so a canceled run still frees the
// lock.
func (e *Engine) releaseLock(ctx context.Context, runID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.store.ReleaseRunLock(releaseCtx, runID); err != nil {
		e.logger.Warn("releasing run lock failed", "runId", runID, "error", err)
	}
}

// runState carries work shared across the lanes of one run: per-service
// authentication and the sink's existing blood-pressure timestamps.
type runState struct {
	engine *Engine
	runID  string

	auths map[types.ServiceName]*authOnce

	bpOnce  sync.Once
	bpTimes map[int64]struct{}
}

type authOnce struct {
	once sync.Once
	err  error
}

func (e *Engine) newRunState(runID string) *runState {
	return &runState{
		engine: e,
		runID:  runID,
		auths: map[types.ServiceName]*authOnce{
			types.ServiceFitbit: {},
			types.ServiceOmron:  {},
			types.ServiceGarmin: {},
		},
	}
}

// authenticate logs in to the named service once per run; every lane
// touching the service shares the outcome.
func (r *runState) authenticate(ctx context.Context, name types.ServiceName, login func(context.Context) error) error {
	a, ok := r.auths[name]
	if !ok {
		return fmt.Errorf("unknown service %s", name)
	}
	a.once.Do(func() {
		a.err = r.engine.guards[name].Execute(ctx, func() error {
			return login(ctx)
		})
	})
	return a.err
}

// bpTimestamps lists the sink's blood-pressure entries once per run, from
// the earliest blood-pressure watermark onward, keyed by Unix second. A
// listing failure disables the pre-trim for this run and the records upload
// anyway; the sink's own duplicate detection is the backstop.
func (r *runState) bpTimestamps(ctx context.Context) map[int64]struct{} {
	r.bpOnce.Do(func() {
		e := r.engine
		since := time.Now().UTC()
		for _, metric := range types.SourceMetrics[types.SourceOmron] {
			wm, err := e.store.Watermark(ctx, types.SourceOmron, metric)
			if err != nil {
				e.logger.Warn("reading blood pressure watermark for pre-trim", "metric", string(metric), "error", err)
				return
			}
			if wm.LastMigratedAt.Before(since) {
				since = wm.LastMigratedAt
			}
		}

		var existing []time.Time
		err := e.guards[e.sink.Service()].Execute(ctx, func() error {
			var lerr error
			existing, lerr = e.sink.ListBloodPressureSince(ctx, since)
			return lerr
		})
		if err != nil {
			e.logger.Warn("listing existing blood pressure entries failed, uploading without pre-trim", "error", err)
			return
		}
		r.bpTimes = make(map[int64]struct{}, len(existing))
		for _, ts := range existing {
			r.bpTimes[ts.Unix()] = struct{}{}
		}
	})
	return r.bpTimes
}
