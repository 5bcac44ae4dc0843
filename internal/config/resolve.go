package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eldercare/internal/tick"
)

// Defaults applied by the Resolve helpers.
const (
	DefaultTimezone        = "UTC"
	DefaultHorizon         = 24 * time.Hour
	DefaultRefresh         = "@every 1m"
	DefaultRetry           = "@every 1m"
	DefaultSnoozeDelay     = 10 * time.Minute
	DefaultExpiryAfter     = 30 * time.Minute
	DefaultSnoozeLimit     = 3
	DefaultSendTimeout     = 15 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultNotifyRate      = 5
	DefaultNotifyHistory   = 300
	DefaultAPIAddr         = "127.0.0.1:8085"
	DefaultAPIReadTimeout  = 10 * time.Second
	DefaultAPIWriteTimeout = 30 * time.Second
)

// Engine is EngineConfig with defaults applied and values parsed.
type Engine struct {
	Location        *time.Location
	Horizon         time.Duration
	Refresh         string
	Retry           string
	SnoozeDelay     time.Duration
	ExpiryAfter     time.Duration
	LateExpiryAfter time.Duration
	SnoozeLimit     int
	SendTimeout     time.Duration
	Retention       time.Duration
}

func (c EngineConfig) Resolve() (Engine, error) {
	var (
		e   Engine
		err error
	)
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	if e.Location, err = time.LoadLocation(tz); err != nil {
		return Engine{}, fmt.Errorf("engine.timezone: %w", err)
	}
	if e.Horizon, err = ParseDurationOrDefault("engine.horizon", c.Horizon, DefaultHorizon); err != nil {
		return Engine{}, err
	}
	if e.SnoozeDelay, err = ParseDurationOrDefault("engine.snooze_delay", c.SnoozeDelay, DefaultSnoozeDelay); err != nil {
		return Engine{}, err
	}
	if e.ExpiryAfter, err = ParseDurationOrDefault("engine.expiry_after", c.ExpiryAfter, DefaultExpiryAfter); err != nil {
		return Engine{}, err
	}
	if e.LateExpiryAfter, err = ParseDurationOrDefault("engine.late_expiry_after", c.LateExpiryAfter, e.ExpiryAfter); err != nil {
		return Engine{}, err
	}
	if e.SendTimeout, err = ParseDurationOrDefault("engine.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		return Engine{}, err
	}
	if e.Retention, err = ParseDurationOrDefault("engine.retention", c.Retention, DefaultRetention); err != nil {
		return Engine{}, err
	}

	e.SnoozeLimit = DefaultSnoozeLimit
	if c.SnoozeLimit != nil {
		if *c.SnoozeLimit < 0 {
			return Engine{}, errors.New("engine.snooze_limit: must be >= 0")
		}
		e.SnoozeLimit = *c.SnoozeLimit
	}

	e.Refresh = orDefault(c.Refresh, DefaultRefresh)
	if _, err := tick.ParseSchedule(e.Refresh); err != nil {
		return Engine{}, fmt.Errorf("engine.refresh: %w", err)
	}
	e.Retry = orDefault(c.Retry, DefaultRetry)
	if _, err := tick.ParseSchedule(e.Retry); err != nil {
		return Engine{}, fmt.Errorf("engine.retry: %w", err)
	}
	return e, nil
}

// Notifier is NotifierConfig with defaults applied.
type Notifier struct {
	Transport   string
	OutboxPath  string
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int
}

// ResolveNotifier treats a nil section as the log transport with defaults.
func ResolveNotifier(c *NotifierConfig) (Notifier, error) {
	if c == nil {
		c = &NotifierConfig{}
	}
	n := Notifier{
		Transport:   strings.ToLower(orDefault(c.Transport, "log")),
		OutboxPath:  strings.TrimSpace(c.OutboxPath),
		RatePerSec:  c.RatePerSec,
		HistorySize: c.HistorySize,
	}
	switch n.Transport {
	case "log":
	case "outbox":
		if n.OutboxPath == "" {
			n.OutboxPath = "./data/outbox.jsonl"
		}
	default:
		return Notifier{}, fmt.Errorf("notifier.transport: unknown %q (use log or outbox)", c.Transport)
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = DefaultNotifyRate
	}
	if n.HistorySize <= 0 {
		n.HistorySize = DefaultNotifyHistory
	}
	var err error
	if n.SendTimeout, err = ParseDurationOrDefault("notifier.send_timeout", c.SendTimeout, 10*time.Second); err != nil {
		return Notifier{}, err
	}
	return n, nil
}

// API is APIConfig with defaults applied.
type API struct {
	Enabled      bool
	Addr         string
	CORSOrigins  []string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func ResolveAPI(c *APIConfig) (API, error) {
	if c == nil {
		return API{}, nil
	}
	a := API{
		Enabled:     c.Enabled,
		Addr:        orDefault(c.Addr, DefaultAPIAddr),
		CORSOrigins: c.CORSOrigins,
		Pprof:       c.Pprof,
	}
	if len(a.CORSOrigins) == 0 {
		a.CORSOrigins = []string{"*"}
	}
	var err error
	if a.ReadTimeout, err = ParseDurationOrDefault("api.read_timeout", c.ReadTimeout, DefaultAPIReadTimeout); err != nil {
		return API{}, err
	}
	if a.WriteTimeout, err = ParseDurationOrDefault("api.write_timeout", c.WriteTimeout, DefaultAPIWriteTimeout); err != nil {
		return API{}, err
	}
	return a, nil
}

// Validate resolves every section and reports the first problem. It is the
// validator installed on the ConfigManager for reloads.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Engine.Resolve(); err != nil {
		return err
	}
	if _, err := ResolveNotifier(cfg.Notifier); err != nil {
		return err
	}
	if _, err := ResolveAPI(cfg.API); err != nil {
		return err
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Tasks.Path) == "" {
		return errors.New("tasks.path: required")
	}
	return nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
