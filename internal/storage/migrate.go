package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type migrationStep struct {
	name string
	sql  string
}

// migrations[i] upgrades the schema from version i to i+1.
var migrations = [][]migrationStep{
	{
		{"create watermarks", `
			CREATE TABLE IF NOT EXISTS watermarks (
				task_id TEXT PRIMARY KEY,
				at_ns INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			);`},
		{"create escalations", `
			CREATE TABLE IF NOT EXISTS escalations (
				reminder_id TEXT NOT NULL,
				reason TEXT NOT NULL,
				task_id TEXT NOT NULL,
				at TEXT NOT NULL,
				PRIMARY KEY (reminder_id, reason)
			);`},
		{"create audit", `
			CREATE TABLE IF NOT EXISTS audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				at TEXT NOT NULL,
				reminder_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				action TEXT NOT NULL,
				from_status TEXT NULL,
				to_status TEXT NULL,
				actor TEXT NULL,
				note TEXT NULL,
				err TEXT NULL
			);`},
		{"create idx_audit_reminder_at", `CREATE INDEX IF NOT EXISTS idx_audit_reminder_at ON audit(reminder_id, at);`},
	},
	{
		{"create anchors", `
			CREATE TABLE IF NOT EXISTS anchors (
				task_id TEXT PRIMARY KEY,
				sel_key TEXT NOT NULL,
				date TEXT NOT NULL
			);`},
		{"create reminders", `
			CREATE TABLE IF NOT EXISTS reminders (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				state BLOB NOT NULL
			);`},
	},
}

// schemaVersion is the latest schema version the migrator knows.
var schemaVersion = len(migrations)

// migrate creates or upgrades the SQLite schema. Each version is applied in
// its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	for v := current; v < schemaVersion; v++ {
		if err := migrateTo(ctx, db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func migrateTo(ctx context.Context, db *sql.DB, version int, steps []migrationStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, st.sql); err != nil {
			return fmt.Errorf("migrate v%d: %s: %w", version, st.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?);`, version); err != nil {
		return fmt.Errorf("migrate v%d: record schema version: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate v%d: commit transaction: %w", version, err)
	}
	return nil
}
