package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

const memoryAuditCap = 2000

// Memory is an in-process Store. It keeps the most recent audit entries.
type Memory struct {
	mu          sync.Mutex
	closed      bool
	watermarks  map[string]time.Time
	escalations map[string]EscalationRecord
	anchors     map[string]AnchorRecord
	reminders   map[string]ReminderRecord
	audit       []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		watermarks:  map[string]time.Time{},
		escalations: map[string]EscalationRecord{},
		anchors:     map[string]AnchorRecord{},
		reminders:   map[string]ReminderRecord{},
	}
}

func (m *Memory) GetWatermark(_ context.Context, taskID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	at, ok := m.watermarks[taskID]
	return at, ok, nil
}

func (m *Memory) SetWatermark(_ context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cur, ok := m.watermarks[taskID]; ok && !at.After(cur) {
		return nil
	}
	m.watermarks[taskID] = at
	return nil
}

func (m *Memory) HasEscalation(_ context.Context, reminderID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.escalations[escalationKey(reminderID, reason)]
	return ok, nil
}

func (m *Memory) PutEscalation(_ context.Context, rec EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.escalations[escalationKey(rec.ReminderID, rec.Reason)] = rec
	return nil
}

func (m *Memory) GetAnchor(_ context.Context, taskID string) (AnchorRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return AnchorRecord{}, false, ErrClosed
	}
	rec, ok := m.anchors[taskID]
	return rec, ok, nil
}

func (m *Memory) PutAnchor(_ context.Context, rec AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.anchors[rec.TaskID] = rec
	return nil
}

func (m *Memory) PutReminder(_ context.Context, rec ReminderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.State = slices.Clone(rec.State)
	m.reminders[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteReminder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.reminders, id)
	return nil
}

func (m *Memory) ListReminders(_ context.Context) ([]ReminderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedReminders(m.reminders), nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditCap {
		m.audit = slices.Clone(m.audit[len(m.audit)-memoryAuditCap:])
	}
	return nil
}

// Audit returns the retained audit entries for reminderID, or all of them
// when reminderID is empty.
func (m *Memory) Audit(reminderID string) []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		if reminderID == "" || strings.EqualFold(e.ReminderID, reminderID) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
