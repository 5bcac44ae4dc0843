package scheduler

import (
	"context"
	"errors"
	"time"

	"eldercare/internal/tasksource"
)

var (
	ErrWatermarkUnavailable = errors.New("watermark store unavailable")
	ErrNotStarted           = errors.New("scheduler not started")
)

// Occurrence is one materialized instant of a task.
type Occurrence struct {
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Late        bool      `json:"late,omitempty"`
}

// Key identifies an occurrence regardless of its late flag.
func (o Occurrence) Key() string {
	return o.TaskID + "|" + o.ScheduledAt.UTC().Format(time.RFC3339Nano)
}

type TaskSource interface {
	ListActiveTasks(ctx context.Context) ([]tasksource.Task, error)
	Get(ctx context.Context, id string) (tasksource.Task, bool, error)
}

type WatermarkStore interface {
	GetWatermark(ctx context.Context, taskID string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, taskID string, at time.Time) error
}

// DueFunc receives every fired occurrence.
type DueFunc func(ctx context.Context, occ Occurrence) error

type Config struct {
	Horizon         time.Duration
	DefaultLocation *time.Location
}

const DefaultHorizon = 24 * time.Hour

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.DefaultLocation == nil {
		c.DefaultLocation = time.UTC
	}
	return c
}

type TaskState string

const (
	StateIdle          TaskState = "idle"
	StateHorizonLoaded TaskState = "horizon_loaded"
	StateFiring        TaskState = "firing"
)

type TaskInfo struct {
	TaskID        string      `json:"task_id"`
	Name          string      `json:"name,omitempty"`
	State         TaskState   `json:"state"`
	Timezone      string      `json:"timezone"`
	Rule          string      `json:"rule"`
	Pending       int         `json:"pending"`
	Upcoming      []time.Time `json:"upcoming,omitempty"`
	Watermark     time.Time   `json:"watermark"`
	LoadedThrough time.Time   `json:"loaded_through"`
	Fired         uint64      `json:"fired"`
}

type Snapshot struct {
	Started bool          `json:"started"`
	Horizon time.Duration `json:"horizon"`
	Tasks   []TaskInfo    `json:"tasks"`
}
