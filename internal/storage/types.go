package storage

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "memory": nothing survives a restart
//   - "file": JSONL journal + snapshot under Path's prefix
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EscalationRecord marks a caregiver notification as delivered for one
// (reminder, reason) pair.
type EscalationRecord struct {
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// AuditEntry records one reminder transition or escalation attempt.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	Action     string    `json:"action"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func escalationKey(reminderID, reason string) string { return reminderID + "|" + reason }

func sortedReminders(in map[string]ReminderRecord) []ReminderRecord {
	out := make([]ReminderRecord, 0, len(in))
	for _, rec := range in {
		rec.State = slices.Clone(rec.State)
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b ReminderRecord) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// AnchorRecord pins the start date a schedule selection was first
// normalized against. Key identifies the selection; a different key means
// the selection was edited and the anchor is stale.
type AnchorRecord struct {
	TaskID string `json:"task_id"`
	Key    string `json:"key"`
	Date   string `json:"date"`
}

// ReminderRecord is the persisted state of a reminder that is not settled
// yet: still open, or terminal with escalations left to deliver. State is
// opaque to storage.
type ReminderRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UpdatedAt time.Time `json:"updated_at"`
	State     []byte    `json:"state"`
}
