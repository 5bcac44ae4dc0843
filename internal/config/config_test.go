package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
engine:
  timezone: America/New_York
  horizon: 12h
  snooze_limit: 0
  refresh: "@every 30s"
notifier:
  transport: outbox
  rate_per_sec: 2
storage:
  driver: sqlite
  path: ./data/eldercare.db
tasks:
  path: ./tasks.yaml
  watch: true
api:
  enabled: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAMLAndResolve(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	e, err := cfg.Engine.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Location.String() != "America/New_York" || e.Horizon != 12*time.Hour {
		t.Fatalf("engine = %+v", e)
	}
	if e.SnoozeLimit != 0 {
		t.Fatalf("explicit snooze_limit 0 lost: %d", e.SnoozeLimit)
	}
	if e.SnoozeDelay != DefaultSnoozeDelay || e.ExpiryAfter != DefaultExpiryAfter || e.LateExpiryAfter != DefaultExpiryAfter {
		t.Fatalf("defaults not applied: %+v", e)
	}
	if e.Retry != DefaultRetry || e.Refresh != "@every 30s" {
		t.Fatalf("cron specs = %q %q", e.Refresh, e.Retry)
	}

	n, err := ResolveNotifier(cfg.Notifier)
	if err != nil {
		t.Fatalf("ResolveNotifier: %v", err)
	}
	if n.Transport != "outbox" || n.OutboxPath == "" || n.RatePerSec != 2 || n.HistorySize != DefaultNotifyHistory {
		t.Fatalf("notifier = %+v", n)
	}

	a, err := ResolveAPI(cfg.API)
	if err != nil {
		t.Fatalf("ResolveAPI: %v", err)
	}
	if !a.Enabled || a.Addr != DefaultAPIAddr || len(a.CORSOrigins) != 1 {
		t.Fatalf("api = %+v", a)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad.json": `{"tasks":{"path":"x"},"engine":{"horizn":"1h"}}`,
		"bad.yaml": "tasks:\n  path: x\n  wach: true\n",
		"two.json": `{"tasks":{"path":"x"}} {"tasks":{"path":"y"}}`,
	} {
		if _, err := NewConfigManager(writeFile(t, dir, name, body)).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	neg := -1
	cases := map[string]*Config{
		"nil":            nil,
		"no tasks path":  {},
		"bad zone":       {Tasks: TasksConfig{Path: "t"}, Engine: EngineConfig{Timezone: "Mars/Olympus"}},
		"bad horizon":    {Tasks: TasksConfig{Path: "t"}, Engine: EngineConfig{Horizon: "forever"}},
		"negative limit": {Tasks: TasksConfig{Path: "t"}, Engine: EngineConfig{SnoozeLimit: &neg}},
		"bad refresh":    {Tasks: TasksConfig{Path: "t"}, Engine: EngineConfig{Refresh: "61 * * * *"}},
		"bad transport":  {Tasks: TasksConfig{Path: "t"}, Notifier: &NotifierConfig{Transport: "pigeon"}},
		"bad driver":     {Tasks: TasksConfig{Path: "t"}, Storage: &StorageConfig{Driver: "mongo"}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Tasks: TasksConfig{Path: "t"}}
	b := &Config{Tasks: TasksConfig{Path: "t"}, Engine: EngineConfig{SnoozeDelay: "5m"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "engine,logging" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	// An omitted notifier section and an explicit default one are the same.
	c := &Config{Tasks: TasksConfig{Path: "t"}, Notifier: &NotifierConfig{Transport: "log"}}
	if changed, _ := SummarizeConfigChange(a, c); len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"tasks":{"path":"a"}}`)

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	deadline := time.Now().Add(5 * time.Second)
	var got *Config
	for got == nil && time.Now().Before(deadline) {
		// Invalid content is rejected and never published.
		writeFile(t, dir, "config.json", `{"tasks":{"path":""}}`)
		time.Sleep(50 * time.Millisecond)
		writeFile(t, dir, "config.json", `{"tasks":{"path":"b"}}`)
		select {
		case got = <-sub:
		case <-time.After(200 * time.Millisecond):
		}
	}
	if got == nil {
		t.Fatalf("no config published")
	}
	if got.Tasks.Path != "b" {
		t.Fatalf("published tasks.path = %q, want b", got.Tasks.Path)
	}
	if m.Get().Tasks.Path != "b" {
		t.Fatalf("Get().Tasks.Path = %q", m.Get().Tasks.Path)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}
