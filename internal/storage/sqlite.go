package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "eldercare/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and pragmas are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite storage opened", logx.String("path", path), logx.Int("schema", schemaVersion))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetWatermark(ctx context.Context, taskID string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT at_ns FROM watermarks WHERE task_id = ?`, taskID).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapClosed(err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(task_id, at_ns, updated_at) VALUES(?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET at_ns = excluded.at_ns, updated_at = excluded.updated_at
		 WHERE excluded.at_ns > watermarks.at_ns`,
		taskID, at.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return wrapClosed(err)
}

func (s *sqliteStore) HasEscalation(ctx context.Context, reminderID, reason string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM escalations WHERE reminder_id = ? AND reason = ?`, reminderID, reason,
	).Scan(&n)
	if err != nil {
		return false, wrapClosed(err)
	}
	return n > 0, nil
}

func (s *sqliteStore) PutEscalation(ctx context.Context, rec EscalationRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations(reminder_id, reason, task_id, at) VALUES(?,?,?,?)
		 ON CONFLICT(reminder_id, reason) DO NOTHING`,
		rec.ReminderID, rec.Reason, rec.TaskID, rec.At.UTC().Format(time.RFC3339Nano),
	)
	return wrapClosed(err)
}

func (s *sqliteStore) GetAnchor(ctx context.Context, taskID string) (AnchorRecord, bool, error) {
	rec := AnchorRecord{TaskID: taskID}
	err := s.db.QueryRowContext(ctx, `SELECT sel_key, date FROM anchors WHERE task_id = ?`, taskID).Scan(&rec.Key, &rec.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return AnchorRecord{}, false, nil
	}
	if err != nil {
		return AnchorRecord{}, false, wrapClosed(err)
	}
	return rec, true, nil
}

func (s *sqliteStore) PutAnchor(ctx context.Context, rec AnchorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anchors(task_id, sel_key, date) VALUES(?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET sel_key = excluded.sel_key, date = excluded.date`,
		rec.TaskID, rec.Key, rec.Date,
	)
	return wrapClosed(err)
}

func (s *sqliteStore) PutReminder(ctx context.Context, rec ReminderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, task_id, updated_at, state) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET task_id = excluded.task_id, updated_at = excluded.updated_at, state = excluded.state`,
		rec.ID, rec.TaskID, rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.State,
	)
	return wrapClosed(err)
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return wrapClosed(err)
}

func (s *sqliteStore) ListReminders(ctx context.Context) ([]ReminderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, updated_at, state FROM reminders ORDER BY id`)
	if err != nil {
		return nil, wrapClosed(err)
	}
	defer rows.Close()

	var out []ReminderRecord
	for rows.Next() {
		var (
			rec     ReminderRecord
			updated string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &updated, &rec.State); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("reminder %s: updated_at: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, reminder_id, task_id, action, from_status, to_status, actor, note, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ReminderID, e.TaskID, e.Action,
		nullStr(e.From), nullStr(e.To), nullStr(e.Actor), nullStr(e.Note), nullStr(e.Error),
	)
	return wrapClosed(err)
}

func wrapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
