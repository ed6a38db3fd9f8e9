package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS watermarks (
	source           TEXT    NOT NULL,
	metric_type      TEXT    NOT NULL,
	last_migrated_at INTEGER NOT NULL,
	last_record_id   TEXT    NOT NULL DEFAULT '',
	updated_at       INTEGER NOT NULL,
	PRIMARY KEY (source, metric_type)
);

CREATE TABLE IF NOT EXISTS run_lock (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	run_id     TEXT    NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_log (
	run_id     TEXT    PRIMARY KEY,
	started_at INTEGER NOT NULL,
	report     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_log_started ON run_log (started_at DESC);
`

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
