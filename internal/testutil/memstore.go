// Package testutil provides shared in-memory fakes for Metrics2Garmin tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Compile-time interface satisfaction check.
var _ store.Store = (*MemStore)(nil)

// MemStore is an in-memory Store with the same watermark monotonicity and
// lock semantics as the durable backends.
type MemStore struct {
	mu         sync.Mutex
	watermarks map[string]types.Watermark
	lockRun    string
	lockExpiry time.Time
	runs       []types.RunResult
	limit      int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		watermarks: make(map[string]types.Watermark),
		limit:      store.DefaultRunLogLimit,
	}
}

func wmKey(source types.Source, metric types.MetricType) string {
	return string(source) + "/" + string(metric)
}

func (s *MemStore) Start(context.Context) error { return nil }
func (s *MemStore) Stop(context.Context) error  { return nil }
func (s *MemStore) Ping(context.Context) error  { return nil }

func (s *MemStore) Watermark(_ context.Context, source types.Source, metric types.MetricType) (types.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wm, ok := s.watermarks[wmKey(source, metric)]; ok {
		return wm, nil
	}
	return types.ZeroWatermark(source, metric), nil
}

func (s *MemStore) Advance(_ context.Context, source types.Source, metric types.MetricType, ts time.Time, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := wmKey(source, metric)
	cur, ok := s.watermarks[k]
	if !ok {
		cur = types.ZeroWatermark(source, metric)
	}
	if ts.Before(cur.LastMigratedAt) {
		return fmt.Errorf("%s/%s: %w", source, metric, store.ErrWatermarkRegression)
	}
	if ts.Equal(cur.LastMigratedAt) && recordID == cur.LastRecordID {
		return nil
	}
	s.watermarks[k] = types.Watermark{
		Source:         source,
		MetricType:     metric,
		LastMigratedAt: ts.UTC(),
		LastRecordID:   recordID,
		UpdatedAt:      time.Now().UTC(),
	}
	return nil
}

// SeedWatermark installs a watermark directly, bypassing monotonicity checks.
func (s *MemStore) SeedWatermark(wm types.Watermark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[wmKey(wm.Source, wm.MetricType)] = wm
}

func (s *MemStore) AcquireRunLock(_ context.Context, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.lockRun != "" && s.lockRun != runID && now.Before(s.lockExpiry) {
		return &store.LockHeldError{HolderRunID: s.lockRun, ExpiresAt: s.lockExpiry}
	}
	s.lockRun = runID
	s.lockExpiry = now.Add(ttl)
	return nil
}

func (s *MemStore) ReleaseRunLock(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockRun == runID {
		s.lockRun = ""
	}
	return nil
}

// LockHolder returns the run currently holding the lock, or "".
func (s *MemStore) LockHolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().After(s.lockExpiry) {
		return ""
	}
	return s.lockRun
}

func (s *MemStore) AppendRunLog(_ context.Context, result types.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, result)
	if len(s.runs) > s.limit {
		s.runs = s.runs[len(s.runs)-s.limit:]
	}
	return nil
}

func (s *MemStore) RecentRuns(_ context.Context, limit int) ([]types.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RunResult, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}
