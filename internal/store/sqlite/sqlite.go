// Package sqlite implements the store contract on an embedded SQLite
// database via the pure-Go modernc driver. WAL with FULL synchronous keeps
// every commit durable before the call returns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultDSN is used when no state DSN is configured.
const DefaultDSN = "/app/data/metrics2garmin.db"

// Config holds sqlite backend settings.
type Config struct {
	DSN         string `yaml:"dsn" json:"dsn"`
	RunLogLimit int    `yaml:"runLogLimit" json:"runLogLimit"`
}

// Provider implements store.Store on SQLite.
type Provider struct {
	dsn         string
	runLogLimit int
	db          *sql.DB
}

var _ store.Store = (*Provider)(nil)

// New creates a sqlite-backed provider. Zero config fields fall back to
// DefaultDSN and store.DefaultRunLogLimit.
func New(cfg Config) *Provider {
	if cfg.DSN == "" {
		cfg.DSN = DefaultDSN
	}
	if cfg.RunLogLimit <= 0 {
		cfg.RunLogLimit = store.DefaultRunLogLimit
	}
	return &Provider{dsn: cfg.DSN, runLogLimit: cfg.RunLogLimit}
}

func dsnWithPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
}

// Start opens the database and applies the schema.
func (p *Provider) Start(ctx context.Context) error {
	db, err := sql.Open("sqlite", dsnWithPragmas(p.dsn))
	if err != nil {
		return fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging sqlite database: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return err
	}
	p.db = db
	return nil
}

// Stop closes the database.
func (p *Provider) Stop(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Ping verifies the database is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Watermark returns the stored watermark or the epoch-zero default.
func (p *Provider) Watermark(ctx context.Context, source types.Source, metric types.MetricType) (types.Watermark, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT last_migrated_at, last_record_id, updated_at FROM watermarks WHERE source = ? AND metric_type = ?`,
		string(source), string(metric))

	var migratedMs, updatedMs int64
	var recordID string
	err := row.Scan(&migratedMs, &recordID, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ZeroWatermark(source, metric), nil
	}
	if err != nil {
		return types.Watermark{}, fmt.Errorf("reading watermark: %w", err)
	}

	return types.Watermark{
		Source:         source,
		MetricType:     metric,
		LastMigratedAt: time.UnixMilli(migratedMs).UTC(),
		LastRecordID:   recordID,
		UpdatedAt:      time.UnixMilli(updatedMs).UTC(),
	}, nil
}

// Advance persists a monotonic watermark move inside one transaction.
func (p *Provider) Advance(ctx context.Context, source types.Source, metric types.MetricType, ts time.Time, recordID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var storedMs int64
	var storedID string
	err = tx.QueryRowContext(ctx,
		`SELECT last_migrated_at, last_record_id FROM watermarks WHERE source = ? AND metric_type = ?`,
		string(source), string(metric)).Scan(&storedMs, &storedID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		storedMs = 0
	case err != nil:
		return fmt.Errorf("reading watermark: %w", err)
	}

	tsMs := ts.UnixMilli()
	if tsMs < storedMs {
		return fmt.Errorf("%s/%s: %w: stored %s, got %s", source, metric,
			store.ErrWatermarkRegression,
			time.UnixMilli(storedMs).UTC().Format(time.RFC3339), ts.UTC().Format(time.RFC3339))
	}
	if tsMs == storedMs && recordID == storedID && err == nil {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO watermarks (source, metric_type, last_migrated_at, last_record_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source, metric_type) DO UPDATE SET
		   last_migrated_at = excluded.last_migrated_at,
		   last_record_id   = excluded.last_record_id,
		   updated_at       = excluded.updated_at`,
		string(source), string(metric), tsMs, recordID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	return tx.Commit()
}

// AcquireRunLock takes the single-row lock, stealing it when expired.
func (p *Provider) AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var holder string
	var expiresMs int64
	err = tx.QueryRowContext(ctx, `SELECT run_id, expires_at FROM run_lock WHERE id = 1`).Scan(&holder, &expiresMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading run lock: %w", err)
	}
	if err == nil && time.Now().UnixMilli() < expiresMs {
		return &store.LockHeldError{HolderRunID: holder, ExpiresAt: time.UnixMilli(expiresMs).UTC()}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_lock (id, run_id, expires_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at`,
		runID, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("writing run lock: %w", err)
	}
	return tx.Commit()
}

// ReleaseRunLock drops the lock row when runID still holds it.
func (p *Provider) ReleaseRunLock(ctx context.Context, runID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM run_lock WHERE id = 1 AND run_id = ?`, runID); err != nil {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	return nil
}

// AppendRunLog stores the report JSON and prunes beyond the retention limit.
func (p *Provider) AppendRunLog(ctx context.Context, result types.RunResult) error {
	report, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_log (run_id, started_at, report) VALUES (?, ?, ?)`,
		result.RunID, result.StartedAt.UnixMilli(), string(report))
	if err != nil {
		return fmt.Errorf("writing run log: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM run_log WHERE run_id NOT IN (
		   SELECT run_id FROM run_log ORDER BY started_at DESC, run_id DESC LIMIT ?
		 )`, p.runLogLimit)
	if err != nil {
		return fmt.Errorf("pruning run log: %w", err)
	}
	return tx.Commit()
}

// RecentRuns returns up to limit reports, newest first.
func (p *Provider) RecentRuns(ctx context.Context, limit int) ([]types.RunResult, error) {
	if limit <= 0 {
		limit = p.runLogLimit
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT report FROM run_log ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	defer rows.Close()

	var out []types.RunResult
	for rows.Next() {
		var report string
		if err := rows.Scan(&report); err != nil {
			return nil, fmt.Errorf("scanning run log row: %w", err)
		}
		var result types.RunResult
		if err := json.Unmarshal([]byte(report), &result); err != nil {
			return nil, fmt.Errorf("decoding run report: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}
