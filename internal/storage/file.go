package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "eldercare/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps state in memory and persists it as:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot)
//   - <prefix>.state.journal.jsonl  (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	state  fileState
	writes int
}

type fileState struct {
	Watermarks  map[string]int64            `json:"watermarks"` // unix nanos
	Escalations map[string]EscalationRecord `json:"escalations"`
	Anchors     map[string]AnchorRecord     `json:"anchors"`
	Reminders   map[string]ReminderRecord   `json:"reminders"`
}

func newFileState() fileState {
	return fileState{
		Watermarks:  map[string]int64{},
		Escalations: map[string]EscalationRecord{},
		Anchors:     map[string]AnchorRecord{},
		Reminders:   map[string]ReminderRecord{},
	}
}

// journalRecord is one state mutation. Exactly one of the watermark pair,
// Escalation, Anchor, Reminder or DropReminder is set.
type journalRecord struct {
	TaskID       string            `json:"task_id,omitempty"`
	Watermark    int64             `json:"wm,omitempty"`
	Escalation   *EscalationRecord `json:"esc,omitempty"`
	Anchor       *AnchorRecord     `json:"anchor,omitempty"`
	Reminder     *ReminderRecord   `json:"rem,omitempty"`
	DropReminder string            `json:"drop_rem,omitempty"`
}

func (st *fileState) apply(r journalRecord) {
	switch {
	case r.Escalation != nil:
		st.Escalations[escalationKey(r.Escalation.ReminderID, r.Escalation.Reason)] = *r.Escalation
	case r.Anchor != nil:
		st.Anchors[r.Anchor.TaskID] = *r.Anchor
	case r.Reminder != nil:
		st.Reminders[r.Reminder.ID] = *r.Reminder
	case r.DropReminder != "":
		delete(st.Reminders, r.DropReminder)
	case r.TaskID != "":
		if cur, ok := st.Watermarks[r.TaskID]; !ok || r.Watermark > cur {
			st.Watermarks[r.TaskID] = r.Watermark
		}
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newFileState()
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}
	// Start from a fresh journal so a torn tail never prefixes a new record.
	if err := fs.compactLocked(); err != nil {
		_ = af.Close()
		_ = jf.Close()
		return nil, err
	}
	log.Debug("file storage opened",
		logx.String("prefix", prefix),
		logx.Int("watermarks", len(st.Watermarks)),
		logx.Int("escalations", len(st.Escalations)),
		logx.Int("reminders", len(st.Reminders)),
	)
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errs := []error{s.compactLocked(), s.journalFile.Close()}
	s.journalFile = nil
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) GetWatermark(_ context.Context, taskID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return time.Time{}, false, ErrClosed
	}
	ns, ok := s.state.Watermarks[taskID]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns).UTC(), true, nil
}

func (s *fileStore) SetWatermark(_ context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	ns := at.UnixNano()
	if cur, ok := s.state.Watermarks[taskID]; ok && ns <= cur {
		return nil
	}
	if err := s.appendLocked(journalRecord{TaskID: taskID, Watermark: ns}); err != nil {
		return err
	}
	s.state.Watermarks[taskID] = ns
	return nil
}

func (s *fileStore) HasEscalation(_ context.Context, reminderID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	_, ok := s.state.Escalations[escalationKey(reminderID, reason)]
	return ok, nil
}

func (s *fileStore) PutEscalation(_ context.Context, rec EscalationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Escalation: &rec}); err != nil {
		return err
	}
	s.state.Escalations[escalationKey(rec.ReminderID, rec.Reason)] = rec
	return nil
}

func (s *fileStore) GetAnchor(_ context.Context, taskID string) (AnchorRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return AnchorRecord{}, false, ErrClosed
	}
	rec, ok := s.state.Anchors[taskID]
	return rec, ok, nil
}

func (s *fileStore) PutAnchor(_ context.Context, rec AnchorRecord) error {
	return s.mutate(journalRecord{Anchor: &rec})
}

func (s *fileStore) PutReminder(_ context.Context, rec ReminderRecord) error {
	return s.mutate(journalRecord{Reminder: &rec})
}

func (s *fileStore) DeleteReminder(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.state.Reminders[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.mutate(journalRecord{DropReminder: id})
}

func (s *fileStore) ListReminders(_ context.Context) ([]ReminderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return sortedReminders(s.state.Reminders), nil
}

func (s *fileStore) mutate(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(r); err != nil {
		return err
	}
	s.state.apply(r)
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	maps.Copy(out.Watermarks, st.Watermarks)
	maps.Copy(out.Escalations, st.Escalations)
	maps.Copy(out.Anchors, st.Anchors)
	maps.Copy(out.Reminders, st.Reminders)
	return nil
}

// replayJournal applies journal records over the snapshot. A torn last line
// (crash mid-write) is skipped.
func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}
