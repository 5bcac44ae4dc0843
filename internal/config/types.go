package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected so typos surface on load and on reload.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Tasks    TasksConfig     `json:"tasks"`
	API      *APIConfig      `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls scheduling and the reminder lifecycle.
//
// All durations are Go duration strings (e.g. "10m", "24h").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC" (used for tasks without their own zone)
//   - horizon: "24h"
//   - refresh: "@every 1m"
//   - retry: "@every 1m"
//   - snooze_delay: "10m"
//   - expiry_after: "30m"
//   - late_expiry_after: expiry_after
//   - snooze_limit: 3
//   - send_timeout: "15s"
//   - retention: "24h"
type EngineConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Horizon  string `json:"horizon,omitempty"`

	// Refresh and Retry are cron specs (standard 5-field or "@every 1m").
	Refresh string `json:"refresh,omitempty"`
	Retry   string `json:"retry,omitempty"`

	SnoozeDelay     string `json:"snooze_delay,omitempty"`
	ExpiryAfter     string `json:"expiry_after,omitempty"`
	LateExpiryAfter string `json:"late_expiry_after,omitempty"`

	// SnoozeLimit is a pointer so an explicit 0 (escalate on the first
	// snooze) differs from "omitted".
	SnoozeLimit *int `json:"snooze_limit,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// NotifierConfig controls outbound messages.
//
// Example:
//
//	"notifier": { "transport": "outbox", "outbox_path": "./data/outbox.jsonl" }
type NotifierConfig struct {
	Transport   string `json:"transport"` // log | outbox
	OutboxPath  string `json:"outbox_path,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig controls persistence of watermarks, escalations and the audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/eldercare.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TasksConfig points at the task file.
type TasksConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

// APIConfig controls the acknowledgment HTTP API.
//
// Security note: the API has no authentication; bind it to a loopback or
// private address.
type APIConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
