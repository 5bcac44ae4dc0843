package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"eldercare/internal/config"
	"eldercare/internal/delivery"
	"eldercare/internal/notifier"
	"eldercare/internal/scheduler"
	"eldercare/internal/storage"
	logx "eldercare/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig defaults to the file driver under cfgDir/data when the
// section or its driver is absent. Memory storage must be asked for.
func mapStorageConfig(cfg *config.Config, cfgDir string) (storage.Config, error) {
	defaultPath := filepath.Join(cfgDir, "data", "eldercare")
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "", "file":
		if path == "" {
			path = defaultPath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(e config.Engine) scheduler.Config {
	return scheduler.Config{Horizon: e.Horizon, DefaultLocation: e.Location}
}

func mapDeliveryConfig(e config.Engine) delivery.Config {
	return delivery.Config{
		SnoozeDelay:     e.SnoozeDelay,
		ExpiryAfter:     e.ExpiryAfter,
		LateExpiryAfter: e.LateExpiryAfter,
		SnoozeLimit:     deliverySnoozeLimit(e.SnoozeLimit),
		SendTimeout:     e.SendTimeout,
		Retention:       e.Retention,
	}
}

// deliverySnoozeLimit maps an explicit engine.snooze_limit of 0 (escalate on
// the first snooze) to the delivery sentinel; delivery reads 0 as "default".
func deliverySnoozeLimit(n int) int {
	if n == 0 {
		return delivery.NoQuietSnoozes
	}
	return n
}

func mapNotifierConfig(n config.Notifier, e config.Engine) notifier.Config {
	return notifier.Config{
		RatePerSec:      n.RatePerSec,
		SendTimeout:     n.SendTimeout,
		HistorySize:     n.HistorySize,
		DefaultLocation: e.Location,
	}
}
