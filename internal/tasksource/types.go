package tasksource

import (
	"context"
	"strings"
	"time"

	"eldercare/internal/recurrence"
)

// Contact is the caregiver reached on escalation.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Task is one care task of an elder with its recurrence rule.
type Task struct {
	ID           string          `json:"id"`
	ElderID      string          `json:"elder_id,omitempty"`
	ElderName    string          `json:"elder_name,omitempty"`
	Name         string          `json:"name"`
	Category     string          `json:"category,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Timezone     string          `json:"timezone,omitempty"`
	Rule         recurrence.Rule `json:"rule"`
	Active       bool            `json:"active"`
	Device       string          `json:"device,omitempty"`
	Caregiver    Contact         `json:"caregiver"`
}

// Location returns the task's timezone, or def when it has none or it
// cannot be loaded.
func (t Task) Location(def *time.Location) *time.Location {
	if def == nil {
		def = time.UTC
	}
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return def
	}
	return loc
}

// Source is what the engine reads tasks from. Subscribe delivers the id of
// every task that was added, edited, deactivated or removed.
type Source interface {
	ListActiveTasks(ctx context.Context) ([]Task, error)
	Get(ctx context.Context, id string) (Task, bool, error)
	Subscribe(buffer int) (<-chan string, func())
}
