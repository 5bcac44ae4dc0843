package config

import (
	"reflect"
	"sort"
	"strings"

	logx "eldercare/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging a reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		if e, err := newCfg.Engine.Resolve(); err == nil {
			attrs = append(attrs,
				logx.String("engine.timezone", e.Location.String()),
				logx.Duration("engine.horizon", e.Horizon),
				logx.String("engine.refresh", e.Refresh),
				logx.String("engine.retry", e.Retry),
				logx.Duration("engine.snooze_delay", e.SnoozeDelay),
				logx.Duration("engine.expiry_after", e.ExpiryAfter),
				logx.Duration("engine.late_expiry_after", e.LateExpiryAfter),
				logx.Int("engine.snooze_limit", e.SnoozeLimit),
			)
		}
	}

	// Nil sections resolve to defaults, so compare the resolved forms.
	oN, _ := ResolveNotifier(oldCfg.Notifier)
	nN, _ := ResolveNotifier(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.transport", nN.Transport),
			logx.Bool("notifier.outbox_set", nN.OutboxPath != ""),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Duration("notifier.send_timeout", nN.SendTimeout),
			logx.Int("notifier.history_size", nN.HistorySize),
		)
	}

	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.String("tasks.path", newCfg.Tasks.Path),
			logx.Bool("tasks.watch", newCfg.Tasks.Watch),
		)
	}

	oA, _ := ResolveAPI(oldCfg.API)
	nA, _ := ResolveAPI(newCfg.API)
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", nA.Enabled),
			logx.String("api.addr", nA.Addr),
			logx.Int("api.cors_origins", len(nA.CORSOrigins)),
			logx.Bool("api.pprof", nA.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
