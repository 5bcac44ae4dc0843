package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "eldercare/pkg/logx"
)

// Store is the persistence API used by the scheduler, delivery and the task
// file.
//
// Watermarks only move forward: SetWatermark with an instant not after the
// stored one is a no-op.
type Store interface {
	GetWatermark(ctx context.Context, taskID string) (at time.Time, ok bool, err error)
	SetWatermark(ctx context.Context, taskID string, at time.Time) error

	HasEscalation(ctx context.Context, reminderID, reason string) (bool, error)
	PutEscalation(ctx context.Context, rec EscalationRecord) error

	GetAnchor(ctx context.Context, taskID string) (rec AnchorRecord, ok bool, err error)
	PutAnchor(ctx context.Context, rec AnchorRecord) error

	PutReminder(ctx context.Context, rec ReminderRecord) error
	DeleteReminder(ctx context.Context, id string) error
	// ListReminders returns the stored reminders ordered by id.
	ListReminders(ctx context.Context) ([]ReminderRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
