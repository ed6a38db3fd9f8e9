// Package file implements the store contract on a single JSON document.
// Every mutation rewrites the document atomically: temp write, fsync,
// rename. The run lock is a sidecar file created with O_EXCL.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultPath is used when no state path is configured.
const DefaultPath = "/app/data/metrics2garmin.json"

// Config holds file backend settings.
type Config struct {
	Path        string `yaml:"path" json:"path"`
	RunLogLimit int    `yaml:"runLogLimit" json:"runLogLimit"`
}

type document struct {
	Watermarks map[string]types.Watermark `json:"watermarks"`
	RunLog     []types.RunResult          `json:"runLog,omitempty"`
}

type lockFile struct {
	RunID     string    `json:"runId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider implements store.Store on a JSON document plus a sidecar lock.
type Provider struct {
	path        string
	lockPath    string
	runLogLimit int

	mu  sync.Mutex
	doc document
}

var _ store.Store = (*Provider)(nil)

// New creates a file-backed provider. Zero config fields fall back to
// DefaultPath and store.DefaultRunLogLimit.
func New(cfg Config) *Provider {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.RunLogLimit <= 0 {
		cfg.RunLogLimit = store.DefaultRunLogLimit
	}
	return &Provider{
		path:        cfg.Path,
		lockPath:    cfg.Path + ".lock",
		runLogLimit: cfg.RunLogLimit,
	}
}

// Start creates the state directory and loads the document when present.
func (p *Provider) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = document{Watermarks: map[string]types.Watermark{}}

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(data, &p.doc); err != nil {
		return fmt.Errorf("parsing state file %s: %w", p.path, err)
	}
	if p.doc.Watermarks == nil {
		p.doc.Watermarks = map[string]types.Watermark{}
	}
	return nil
}

// Stop is a no-op; nothing stays open between mutations.
func (p *Provider) Stop(ctx context.Context) error { return nil }

// Ping verifies the state directory exists.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	return nil
}

func key(source types.Source, metric types.MetricType) string {
	return string(source) + "#" + string(metric)
}

// Watermark returns the stored watermark or the epoch-zero default.
func (p *Provider) Watermark(ctx context.Context, source types.Source, metric types.MetricType) (types.Watermark, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if wm, ok := p.doc.Watermarks[key(source, metric)]; ok {
		return wm, nil
	}
	return types.ZeroWatermark(source, metric), nil
}

// Advance persists a monotonic watermark move.
func (p *Provider) Advance(ctx context.Context, source types.Source, metric types.MetricType, ts time.Time, recordID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key(source, metric)
	cur, ok := p.doc.Watermarks[k]
	if !ok {
		cur = types.ZeroWatermark(source, metric)
	}
	if ts.Before(cur.LastMigratedAt) {
		return fmt.Errorf("%s/%s: %w: stored %s, got %s", source, metric,
			store.ErrWatermarkRegression,
			cur.LastMigratedAt.UTC().Format(time.RFC3339), ts.UTC().Format(time.RFC3339))
	}
	if ts.Equal(cur.LastMigratedAt) && recordID == cur.LastRecordID {
		return nil
	}

	p.doc.Watermarks[k] = types.Watermark{
		Source:         source,
		MetricType:     metric,
		LastMigratedAt: ts.UTC(),
		LastRecordID:   recordID,
		UpdatedAt:      time.Now().UTC(),
	}
	return p.persistLocked()
}

// AcquireRunLock creates the sidecar lock file, taking over expired locks.
func (p *Provider) AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) error {
	if err := p.writeLock(runID, ttl); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrExist) {
		return err
	}

	data, err := os.ReadFile(p.lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		// Released between our attempts.
		return p.writeLock(runID, ttl)
	}
	if err != nil {
		return fmt.Errorf("reading run lock: %w", err)
	}

	var lf lockFile
	if err := json.Unmarshal(data, &lf); err == nil && time.Now().Before(lf.ExpiresAt) {
		return &store.LockHeldError{HolderRunID: lf.RunID, ExpiresAt: lf.ExpiresAt}
	}

	// Stale or unreadable: take it over.
	if err := os.Remove(p.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale run lock: %w", err)
	}
	return p.writeLock(runID, ttl)
}

func (p *Provider) writeLock(runID string, ttl time.Duration) error {
	f, err := os.OpenFile(p.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("creating run lock: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(lockFile{RunID: runID, ExpiresAt: time.Now().Add(ttl).UTC()})
	if err != nil {
		return fmt.Errorf("encoding run lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing run lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flushing run lock: %w", err)
	}
	return nil
}

// ReleaseRunLock removes the lock when runID still holds it. A missing or
// taken-over lock is not an error.
func (p *Provider) ReleaseRunLock(ctx context.Context, runID string) error {
	data, err := os.ReadFile(p.lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading run lock: %w", err)
	}

	var lf lockFile
	if err := json.Unmarshal(data, &lf); err == nil && lf.RunID != runID {
		return nil
	}
	if err := os.Remove(p.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing run lock: %w", err)
	}
	return nil
}

// AppendRunLog prepends the result and prunes history beyond the limit.
func (p *Provider) AppendRunLog(ctx context.Context, result types.RunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.doc.RunLog = append([]types.RunResult{result}, p.doc.RunLog...)
	if len(p.doc.RunLog) > p.runLogLimit {
		p.doc.RunLog = p.doc.RunLog[:p.runLogLimit]
	}
	return p.persistLocked()
}

// RecentRuns returns up to limit results, newest first.
func (p *Provider) RecentRuns(ctx context.Context, limit int) ([]types.RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 || limit > len(p.doc.RunLog) {
		limit = len(p.doc.RunLog)
	}
	out := make([]types.RunResult, limit)
	copy(out, p.doc.RunLog[:limit])
	return out, nil
}

func (p *Provider) persistLocked() error {
	data, err := json.MarshalIndent(p.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flushing state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	syncDir(filepath.Dir(p.path))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
