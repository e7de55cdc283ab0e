package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create events table",
		sql: `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	client_id INTEGER NOT NULL DEFAULT 0,
	fd INTEGER NOT NULL DEFAULT -1,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, created_at);
`,
	},
	{
		version: 2,
		name:    "add peer address and byte counts",
		sql: `
ALTER TABLE events ADD COLUMN addr TEXT NOT NULL DEFAULT '';
ALTER TABLE events ADD COLUMN bytes INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// migrate applies every migration newer than the recorded schema_version.
// The whole upgrade commits or none of it does.
func migrate(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	version, err := schemaVersion(ctx, tx)
	if err != nil {
		return err
	}

	applied := version
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("journal: schema v%d (%s): %w", m.version, m.name, err)
		}
		applied = m.version
	}
	if applied == version {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE _meta SET value = ? WHERE key = 'schema_version'`, strconv.Itoa(applied)); err != nil {
		return fmt.Errorf("journal: record schema v%d: %w", applied, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit schema v%d: %w", applied, err)
	}
	return nil
}

// schemaVersion returns the journal's schema version, creating the _meta
// row at version 0 for a fresh file.
func schemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '0');
`); err != nil {
		return 0, fmt.Errorf("journal: prepare _meta: %w", err)
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("journal: read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("journal: schema version %q: %w", raw, err)
	}
	return version, nil
}
