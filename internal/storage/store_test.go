package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "eldercare/pkg/logx"
)

type opener func(t *testing.T, dir string) Store

func drivers() map[string]opener {
	open := func(driver, name string) opener {
		return func(t *testing.T, dir string) Store {
			t.Helper()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, name)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			return st
		}
	}
	return map[string]opener{
		"memory": open("memory", ""),
		"file":   open("file", "state.json"),
		"sqlite": open("sqlite", "state.db"),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)

	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			st := open(t, t.TempDir())
			defer st.Close()

			if _, ok, err := st.GetWatermark(ctx, "t1"); err != nil || ok {
				t.Fatalf("missing watermark = ok:%v err:%v", ok, err)
			}

			// Nanosecond precision survives (now-1ns seeding relies on it).
			first := t0.Add(-time.Nanosecond)
			if err := st.SetWatermark(ctx, "t1", first); err != nil {
				t.Fatalf("SetWatermark: %v", err)
			}
			got, ok, err := st.GetWatermark(ctx, "t1")
			if err != nil || !ok || !got.Equal(first) {
				t.Fatalf("GetWatermark = %v,%v,%v want %v", got, ok, err, first)
			}

			if err := st.SetWatermark(ctx, "t1", t0); err != nil {
				t.Fatalf("SetWatermark forward: %v", err)
			}
			if err := st.SetWatermark(ctx, "t1", t0.Add(-time.Hour)); err != nil {
				t.Fatalf("SetWatermark backward: %v", err)
			}
			if got, _, _ := st.GetWatermark(ctx, "t1"); !got.Equal(t0) {
				t.Fatalf("watermark moved backward to %v", got)
			}

			if ok, err := st.HasEscalation(ctx, "r1", "expired"); err != nil || ok {
				t.Fatalf("HasEscalation before put = %v,%v", ok, err)
			}
			rec := EscalationRecord{ReminderID: "r1", TaskID: "t1", Reason: "expired", At: t0}
			if err := st.PutEscalation(ctx, rec); err != nil {
				t.Fatalf("PutEscalation: %v", err)
			}
			if err := st.PutEscalation(ctx, rec); err != nil {
				t.Fatalf("PutEscalation twice: %v", err)
			}
			if ok, err := st.HasEscalation(ctx, "r1", "expired"); err != nil || !ok {
				t.Fatalf("HasEscalation after put = %v,%v", ok, err)
			}
			if ok, _ := st.HasEscalation(ctx, "r1", "dismissed"); ok {
				t.Fatalf("escalations must be keyed by reason")
			}

			if err := st.AppendAudit(ctx, AuditEntry{ReminderID: "r1", TaskID: "t1", Action: "sent", From: "scheduled", To: "sent"}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}

			if _, ok, err := st.GetAnchor(ctx, "t1"); err != nil || ok {
				t.Fatalf("missing anchor = ok:%v err:%v", ok, err)
			}
			for _, rec := range []AnchorRecord{
				{TaskID: "t1", Key: "k1", Date: "2024-01-01"},
				{TaskID: "t1", Key: "k2", Date: "2024-02-01"},
			} {
				if err := st.PutAnchor(ctx, rec); err != nil {
					t.Fatalf("PutAnchor: %v", err)
				}
			}
			if a, ok, err := st.GetAnchor(ctx, "t1"); err != nil || !ok || a.Key != "k2" || a.Date != "2024-02-01" {
				t.Fatalf("GetAnchor = %+v,%v,%v", a, ok, err)
			}

			for _, id := range []string{"r2", "r1"} {
				rec := ReminderRecord{ID: id, TaskID: "t1", UpdatedAt: t0, State: []byte(`{"id":"` + id + `"}`)}
				if err := st.PutReminder(ctx, rec); err != nil {
					t.Fatalf("PutReminder(%s): %v", id, err)
				}
			}
			if err := st.PutReminder(ctx, ReminderRecord{ID: "r1", TaskID: "t1", UpdatedAt: t0.Add(time.Minute), State: []byte(`{"v":2}`)}); err != nil {
				t.Fatalf("PutReminder update: %v", err)
			}
			recs, err := st.ListReminders(ctx)
			if err != nil || len(recs) != 2 || recs[0].ID != "r1" || string(recs[0].State) != `{"v":2}` || !recs[0].UpdatedAt.Equal(t0.Add(time.Minute)) {
				t.Fatalf("ListReminders = %+v, %v", recs, err)
			}
			if err := st.DeleteReminder(ctx, "r2"); err != nil {
				t.Fatalf("DeleteReminder: %v", err)
			}
			if err := st.DeleteReminder(ctx, "absent"); err != nil {
				t.Fatalf("DeleteReminder(absent): %v", err)
			}
			if recs, _ := st.ListReminders(ctx); len(recs) != 1 || recs[0].ID != "r1" {
				t.Fatalf("after delete = %+v", recs)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	for name, open := range drivers() {
		if name == "memory" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			st := open(t, dir)
			if err := st.SetWatermark(ctx, "t1", at); err != nil {
				t.Fatalf("SetWatermark: %v", err)
			}
			if err := st.PutEscalation(ctx, EscalationRecord{ReminderID: "r1", TaskID: "t1", Reason: "expired"}); err != nil {
				t.Fatalf("PutEscalation: %v", err)
			}
			if err := st.PutAnchor(ctx, AnchorRecord{TaskID: "t1", Key: "k", Date: "2024-01-01"}); err != nil {
				t.Fatalf("PutAnchor: %v", err)
			}
			for _, id := range []string{"r1", "r2"} {
				if err := st.PutReminder(ctx, ReminderRecord{ID: id, TaskID: "t1", UpdatedAt: at, State: []byte("{}")}); err != nil {
					t.Fatalf("PutReminder: %v", err)
				}
			}
			if err := st.DeleteReminder(ctx, "r1"); err != nil {
				t.Fatalf("DeleteReminder: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = open(t, dir)
			defer st.Close()
			got, ok, err := st.GetWatermark(ctx, "t1")
			if err != nil || !ok || !got.Equal(at) {
				t.Fatalf("after reopen watermark = %v,%v,%v", got, ok, err)
			}
			if ok, err := st.HasEscalation(ctx, "r1", "expired"); err != nil || !ok {
				t.Fatalf("after reopen escalation = %v,%v", ok, err)
			}
			if a, ok, err := st.GetAnchor(ctx, "t1"); err != nil || !ok || a.Date != "2024-01-01" {
				t.Fatalf("after reopen anchor = %+v,%v,%v", a, ok, err)
			}
			if recs, err := st.ListReminders(ctx); err != nil || len(recs) != 1 || recs[0].ID != "r2" || !recs[0].UpdatedAt.Equal(at) {
				t.Fatalf("after reopen reminders = %+v,%v", recs, err)
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := st.(*fileStore)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := fs.SetWatermark(ctx, "t9", at); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}

	// Simulate a crash: drop the handles without compacting, and append a torn line.
	_ = fs.journalFile.Close()
	_ = fs.auditFile.Close()
	jf, err := os.OpenFile(filepath.Join(dir, "state.state.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = jf.WriteString(`{"task_id":"t9","wm":`)
	_ = jf.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, ok, err := st2.GetWatermark(ctx, "t9")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("replayed watermark = %v,%v,%v", got, ok, err)
	}
}

func TestFileStoreAuditIsJSONL(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, a := range []string{"sent", "snoozed", "sent"} {
		if err := st.AppendAudit(context.Background(), AuditEntry{ReminderID: "r1", Action: a}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "state.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	n := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		n++
	}
	if n != 3 {
		t.Fatalf("audit lines = %d, want 3", n)
	}
}

func TestClosedStoreErrors(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			st := open(t, t.TempDir())
			_ = st.Close()
			if err := st.SetWatermark(context.Background(), "t", time.Now()); !errors.Is(err, ErrClosed) {
				t.Fatalf("SetWatermark after close = %v, want ErrClosed", err)
			}
		})
	}
}

func TestMemoryAudit(t *testing.T) {
	m := NewMemory()
	_ = m.AppendAudit(context.Background(), AuditEntry{ReminderID: "a", Action: "sent"})
	_ = m.AppendAudit(context.Background(), AuditEntry{ReminderID: "b", Action: "sent"})
	if got := m.Audit("a"); len(got) != 1 || got[0].At.IsZero() {
		t.Fatalf("Audit(a) = %+v", got)
	}
	if got := m.Audit(""); len(got) != 2 {
		t.Fatalf("Audit() = %d entries", len(got))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
