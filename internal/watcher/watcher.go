// Package watcher schedules migration runs on a fixed interval and funnels
// manual triggers through the same single-flight gate.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultInterval between scheduled runs.
const DefaultInterval = 6 * time.Hour

// Runner executes one migration run. Satisfied by engine.Engine.
type Runner interface {
	Run(ctx context.Context, trigger types.RunTrigger) (types.RunResult, error)
}

// Options configures the scheduler.
type Options struct {
	Runner     Runner
	Interval   time.Duration // <= 0 uses DefaultInterval
	RunOnStart bool
	Logger     *slog.Logger
}

// Watcher runs migrations on an interval. At most one run it started is
// active at a time; the store lock additionally guards against other
// processes.
type Watcher struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool

	active  atomic.Bool
	trigger chan types.RunTrigger
	runDone chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Watcher.
func New(opts Options) *Watcher {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		runner:     opts.Runner,
		interval:   interval,
		runOnStart: opts.RunOnStart,
		logger:     logger,
		trigger:    make(chan types.RunTrigger, 1),
		runDone:    make(chan struct{}, 1),
	}
}

// Start begins the scheduling loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx = ctx
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("scheduler started", "interval", w.interval, "runOnStart", w.runOnStart)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		if w.runOnStart {
			w.startRun(ctx, types.TriggerScheduled)
		}

		// pending remembers a coalesced manual trigger that arrived while a
		// run was active.
		pending := false
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				// A tick during an active run is dropped, not queued.
				w.startRun(ctx, types.TriggerScheduled)
			case trigger := <-w.trigger:
				if !w.startRun(ctx, trigger) {
					pending = true
				}
			case <-w.runDone:
				if pending {
					pending = false
					w.startRun(ctx, types.TriggerManual)
				}
			}
		}
	}()
}

// Trigger requests an off-schedule run. While a run is active the request
// coalesces: at most one follow-up run starts after the active one ends.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- types.TriggerManual:
	default:
	}
}

// TriggerRun starts an off-schedule run without blocking and reports
// whether it was accepted. It returns *types.RunAlreadyInProgressError
// while a run is active.
func (w *Watcher) TriggerRun(trigger types.RunTrigger) error {
	w.mu.Lock()
	ctx, stopped := w.ctx, w.stopped
	w.mu.Unlock()
	if ctx == nil || stopped {
		return errors.New("scheduler is not running")
	}
	if !w.startRun(ctx, trigger) {
		return &types.RunAlreadyInProgressError{}
	}
	return nil
}

// Stop cancels the loop and any in-flight run, then waits for them to
// drain or for ctx to expire.
func (w *Watcher) Stop(ctx context.Context) {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("scheduler stopped")
	case <-ctx.Done():
		w.logger.Warn("scheduler stop timed out")
	}
}

// startRun launches a run goroutine unless one is already active or the
// scheduler is shutting down.
func (w *Watcher) startRun(ctx context.Context, trigger types.RunTrigger) bool {
	w.mu.Lock()
	if w.stopped || ctx.Err() != nil {
		w.mu.Unlock()
		return false
	}
	if !w.active.CompareAndSwap(false, true) {
		w.mu.Unlock()
		w.logger.Info("run already active, skipping", "trigger", trigger)
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			w.active.Store(false)
			select {
			case w.runDone <- struct{}{}:
			default:
			}
		}()
		w.execute(ctx, trigger)
	}()
	return true
}

func (w *Watcher) execute(ctx context.Context, trigger types.RunTrigger) {
	result, err := w.runner.Run(ctx, trigger)
	var busy *types.RunAlreadyInProgressError
	switch {
	case errors.As(err, &busy):
		w.logger.Warn("run lock held elsewhere, skipping", "holderRunId", busy.HolderRunID)
	case err != nil:
		w.logger.Error("migration run failed", "trigger", trigger, "error", err)
	default:
		w.logger.Info("migration run finished", "runId", result.RunID, "status", result.Status)
	}
}
