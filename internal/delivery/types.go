package delivery

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"eldercare/internal/scheduler"
	"eldercare/internal/tasksource"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("reminder not found")
	ErrStopped           = errors.New("delivery stopped")
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusSnoozed   Status = "snoozed"
	StatusDone      Status = "done"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDismissed || s == StatusExpired
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusScheduled, StatusSent, StatusSnoozed, StatusDone, StatusDismissed, StatusExpired:
		return st, true
	}
	return "", false
}

type Action string

const (
	ActionDone    Action = "done"
	ActionSnooze  Action = "snooze"
	ActionDismiss Action = "dismiss"
)

func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionDone, ActionSnooze, ActionDismiss:
		return a, true
	}
	return "", false
}

// Reason is why a caregiver is notified.
type Reason string

const (
	ReasonExpired         Reason = "expired"
	ReasonDismissed       Reason = "dismissed"
	ReasonExcessiveSnooze Reason = "excessive_snooze"
)

// Ack is an acknowledgment from the elder (or someone acting for them).
type Ack struct {
	Action Action `json:"action"`
	By     string `json:"by,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Reminder is a read-only snapshot of one occurrence's delivery state.
type Reminder struct {
	ID                 string    `json:"id"`
	TaskID             string    `json:"task_id"`
	ScheduledAt        time.Time `json:"scheduled_at"`
	Late               bool      `json:"late,omitempty"`
	Status             Status    `json:"status"`
	SentAt             time.Time `json:"sent_at,omitzero"`
	Deliveries         int       `json:"deliveries"`
	DeliveryFailed     bool      `json:"delivery_failed,omitempty"`
	SnoozeCount        int       `json:"snooze_count"`
	ConfirmedAt        time.Time `json:"confirmed_at,omitzero"`
	ConfirmedBy        string    `json:"confirmed_by,omitempty"`
	Note               string    `json:"note,omitempty"`
	Escalations        []Reason  `json:"escalations,omitempty"`
	PendingEscalations []Reason  `json:"pending_escalations,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	// Task is the task as it was when the reminder became due. It keeps
	// the recipients reachable after the task is edited away or removed.
	Task tasksource.Task `json:"-"`
}

func (r Reminder) clone() Reminder {
	r.Escalations = slices.Clone(r.Escalations)
	r.PendingEscalations = slices.Clone(r.PendingEscalations)
	return r
}

// Escalated reports whether the caregiver was notified for reason.
func (r Reminder) Escalated(reason Reason) bool { return slices.Contains(r.Escalations, reason) }

// TransitionError reports an acknowledgment the reminder's state rejects.
type TransitionError struct {
	ID     string
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reminder %s: cannot %s from %s", e.ID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var reminderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("eldercare.reminder"))

// ReminderID derives the reminder id from its occurrence key, so the same
// occurrence maps to the same id across restarts.
func ReminderID(occ scheduler.Occurrence) string {
	return uuid.NewSHA1(reminderNamespace, []byte(occ.Key())).String()
}

// Instructions is the side read served to the elder while a reminder is shown.
type Instructions struct {
	ReminderID   string `json:"reminder_id"`
	TaskID       string `json:"task_id"`
	Name         string `json:"name"`
	Category     string `json:"category,omitempty"`
	Instructions string `json:"instructions"`
}

// Filter selects reminders for List. Zero fields match everything.
type Filter struct {
	Status Status
	TaskID string
}
