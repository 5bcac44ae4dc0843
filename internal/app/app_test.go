package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"eldercare/internal/config"
	"eldercare/internal/delivery"
	logx "eldercare/pkg/logx"
)

const appTasks = `
tasks:
  - id: meds
    elder_name: Ana
    name: Morning pills
    device: push:ana-phone
    caregiver: {phone: "+351900000000"}
    selection: {frequency: daily, time: "08:00"}
`

func writeAppConfig(t *testing.T, dir string, cfg config.Config) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testConfig(dir string) config.Config {
	return config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Engine:  config.EngineConfig{Timezone: "UTC", Refresh: "@every 1h", Retry: "@every 1h"},
		Notifier: &config.NotifierConfig{
			Transport:  "outbox",
			OutboxPath: filepath.Join(dir, "outbox.jsonl"),
		},
		Storage: &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "eldercare.db")},
		Tasks:   config.TasksConfig{Path: filepath.Join(dir, "tasks.yaml")},
	}
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(appTasks), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}
	cfg := testConfig(dir)
	a, err := NewApp(writeAppConfig(t, dir, cfg))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.Scheduler().Snapshot()
	if !snap.Started || len(snap.Tasks) != 1 || snap.Tasks[0].TaskID != "meds" {
		t.Fatalf("snapshot = %+v", snap)
	}
	var names []string
	for _, j := range a.Jobs() {
		names = append(names, j.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"escalation.retry", "horizon.refresh"}) {
		t.Fatalf("jobs = %v", names)
	}

	// A reload that switches the transport swaps it live.
	next := cfg
	next.Notifier = &config.NotifierConfig{Transport: "log"}
	a.applyConfig(ctx, &cfg, &next)
	if a.tr.Name() != "log" {
		t.Fatalf("transport = %s, want log", a.tr.Name())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestNewAppRejectsBadTaskFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte("tasks:\n  - name: no id\n"), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}
	cfg := testConfig(dir)
	cfg.Storage = nil
	if _, err := NewApp(writeAppConfig(t, dir, cfg)); err == nil {
		t.Fatalf("NewApp should reject a task without id")
	}
}

func TestMapStorageConfig(t *testing.T) {
	dir := filepath.Join("etc", "eldercare")
	defaultPath := filepath.Join(dir, "data", "eldercare")
	tests := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		path    string
		wantErr bool
	}{
		{"absent", nil, "file", defaultPath, false},
		{"empty driver", &config.StorageConfig{}, "file", defaultPath, false},
		{"memory", &config.StorageConfig{Driver: "memory"}, "memory", "", false},
		{"file default path", &config.StorageConfig{Driver: "file"}, "file", defaultPath, false},
		{"file path", &config.StorageConfig{Driver: "file", Path: "/var/lib/ec/state"}, "file", "/var/lib/ec/state", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, "sqlite", "x.db", false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, "", "", true},
		{"bad busy timeout", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, "", "", true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := mapStorageConfig(&config.Config{Storage: tt.in}, dir)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", sc)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Driver != tt.driver || sc.Path != tt.path {
				t.Fatalf("storage = %s %q, want %s %q", sc.Driver, sc.Path, tt.driver, tt.path)
			}
		})
	}
}

func TestDefaultStorageKeepsWatermarksAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(appTasks), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}
	cfg := testConfig(dir)
	cfg.Storage = nil
	path := writeAppConfig(t, dir, cfg)
	ctx := context.Background()
	at := time.Date(2024, 1, 4, 8, 0, 0, 0, time.UTC)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.store.SetWatermark(ctx, "meds", at); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	if err := a.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp again: %v", err)
	}
	defer b.store.Close()
	got, ok, err := b.store.GetWatermark(ctx, "meds")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("watermark after restart = %v,%v,%v", got, ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "eldercare.state.snapshot.json")); err != nil {
		t.Fatalf("default store not under the config dir: %v", err)
	}
}

func TestDeliverySnoozeLimit(t *testing.T) {
	if got := mapDeliveryConfig(config.Engine{SnoozeLimit: 0}).SnoozeLimit; got != delivery.NoQuietSnoozes {
		t.Fatalf("explicit 0 maps to %d", got)
	}
	if got := mapDeliveryConfig(config.Engine{SnoozeLimit: 3}).SnoozeLimit; got != 3 {
		t.Fatalf("3 maps to %d", got)
	}
}

func TestMaintenanceRestart(t *testing.T) {
	m := newMaintenance(logx.Nop())
	ctx := context.Background()
	defer m.Stop(ctx)

	var runs atomic.Int32
	jobs := []Job{
		{Name: "tick", Spec: "@every 1s", Run: func(context.Context) { runs.Add(1) }},
		{Name: "nightly", Spec: "0 3 * * *", Run: func(context.Context) {}},
	}
	if err := m.Restart(ctx, time.UTC, jobs); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := len(m.Snapshot()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	// A bad spec leaves the running set alone.
	if err := m.Restart(ctx, time.UTC, []Job{{Name: "bad", Spec: "every now and then"}}); err == nil {
		t.Fatalf("expected error for bad spec")
	}
	if got := len(m.Snapshot()); got != 2 {
		t.Fatalf("entries after bad restart = %d, want 2", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("interval job never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
