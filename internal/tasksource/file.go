package tasksource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"eldercare/internal/config"
	"eldercare/internal/recurrence"
	"eldercare/internal/storage"
	logx "eldercare/pkg/logx"
)

type fileDoc struct {
	Tasks []fileTask `json:"tasks"`
}

type fileTask struct {
	ID           string                `json:"id"`
	ElderID      string                `json:"elder_id,omitempty"`
	ElderName    string                `json:"elder_name,omitempty"`
	Name         string                `json:"name"`
	Category     string                `json:"category,omitempty"`
	Instructions string                `json:"instructions,omitempty"`
	Timezone     string                `json:"timezone,omitempty"`
	Active       *bool                 `json:"active,omitempty"`
	Device       string                `json:"device,omitempty"`
	Caregiver    Contact               `json:"caregiver"`
	Rule         *recurrence.Rule      `json:"rule,omitempty"`
	Selection    *recurrence.Selection `json:"selection,omitempty"`
}

// File is a Source backed by a YAML or JSON document:
//
//	tasks:
//	  - id: meds-morning
//	    name: Morning pills
//	    timezone: Europe/Berlin
//	    selection: {frequency: daily, time: "08:00"}
//
// Each task carries either a canonical rule or a selection that is normalized
// at load time against today's date in the task's timezone. With an
// AnchorStore that date is pinned the first time a selection is seen, so a
// restart on a later day keeps every rule's phase.
type File struct {
	path       string
	defaultLoc *time.Location
	log        logx.Logger
	now        func() time.Time
	anchors    AnchorStore

	mu    sync.RWMutex
	tasks map[string]Task
	// Selections seen at the last load, so an unchanged selection keeps its
	// original anchor date across reloads on later days.
	sels map[string]string

	subs subscribers
}

// AnchorStore persists the date each selection was anchored on.
// storage.Store satisfies it.
type AnchorStore interface {
	GetAnchor(ctx context.Context, taskID string) (storage.AnchorRecord, bool, error)
	PutAnchor(ctx context.Context, rec storage.AnchorRecord) error
}

type FileOption func(*File)

func WithAnchorStore(st AnchorStore) FileOption {
	return func(f *File) { f.anchors = st }
}

func NewFile(path string, defaultLoc *time.Location, log logx.Logger, opts ...FileOption) *File {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &File{
		path:       path,
		defaultLoc: defaultLoc,
		log:        log,
		now:        time.Now,
		tasks:      map[string]Task{},
		sels:       map[string]string{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *File) Path() string { return f.path }

// Reload reads the file and swaps in its tasks. It returns the ids whose
// content changed, appeared or disappeared; subscribers receive the same ids.
// On error the previous tasks stay in effect.
func (f *File) Reload(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := config.DecodeStrict(f.path, b, &doc); err != nil {
		return nil, fmt.Errorf("tasks %s: %w", f.path, err)
	}

	f.mu.RLock()
	prevTasks, prevSels := f.tasks, f.sels
	f.mu.RUnlock()

	next := make(map[string]Task, len(doc.Tasks))
	sels := make(map[string]string, len(doc.Tasks))
	for i, ft := range doc.Tasks {
		t, selKey, err := f.build(ctx, ft, prevTasks, prevSels)
		if err != nil {
			return nil, fmt.Errorf("tasks %s: tasks[%d]: %w", f.path, i, err)
		}
		if _, dup := next[t.ID]; dup {
			return nil, fmt.Errorf("tasks %s: tasks[%d]: duplicate id %q", f.path, i, t.ID)
		}
		next[t.ID] = t
		if selKey != "" {
			sels[t.ID] = selKey
		}
	}

	f.mu.Lock()
	changed := diffTasks(f.tasks, next)
	f.tasks, f.sels = next, sels
	f.mu.Unlock()

	for _, id := range changed {
		f.subs.publish(id)
	}
	return changed, nil
}

func (f *File) build(ctx context.Context, ft fileTask, prevTasks map[string]Task, prevSels map[string]string) (Task, string, error) {
	t := Task{
		ID:           strings.TrimSpace(ft.ID),
		ElderID:      ft.ElderID,
		ElderName:    ft.ElderName,
		Name:         ft.Name,
		Category:     ft.Category,
		Instructions: ft.Instructions,
		Timezone:     strings.TrimSpace(ft.Timezone),
		Active:       ft.Active == nil || *ft.Active,
		Device:       ft.Device,
		Caregiver:    ft.Caregiver,
	}
	if t.ID == "" {
		return Task{}, "", fmt.Errorf("id is required")
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return Task{}, "", fmt.Errorf("task %s: timezone: %w", t.ID, err)
		}
	}

	switch {
	case ft.Rule != nil && ft.Selection != nil:
		return Task{}, "", fmt.Errorf("task %s: set either rule or selection, not both", t.ID)
	case ft.Rule != nil:
		if err := ft.Rule.Validate(); err != nil {
			return Task{}, "", fmt.Errorf("task %s: rule: %w", t.ID, err)
		}
		t.Rule = *ft.Rule
		return t, "", nil
	case ft.Selection != nil:
		key := selectionKey(*ft.Selection, t.Timezone)
		if prev, ok := prevTasks[t.ID]; ok && prevSels[t.ID] == key {
			t.Rule = prev.Rule
			return t, key, nil
		}
		today, pinned, err := f.anchor(ctx, t, key)
		if err != nil {
			return Task{}, "", err
		}
		r, err := recurrence.Normalize(*ft.Selection, today)
		if err != nil {
			return Task{}, "", fmt.Errorf("task %s: selection: %w", t.ID, err)
		}
		if !pinned && f.anchors != nil {
			rec := storage.AnchorRecord{TaskID: t.ID, Key: key, Date: today.String()}
			if err := f.anchors.PutAnchor(ctx, rec); err != nil {
				return Task{}, "", fmt.Errorf("task %s: save anchor: %w", t.ID, err)
			}
		}
		t.Rule = r
		return t, key, nil
	default:
		return Task{}, "", fmt.Errorf("task %s: rule or selection is required", t.ID)
	}
}

// anchor returns the date a selection normalizes against: the stored one
// when the selection is unchanged, else today in the task's timezone.
func (f *File) anchor(ctx context.Context, t Task, key string) (recurrence.Date, bool, error) {
	today := recurrence.Today(f.now(), t.Location(f.defaultLoc))
	if f.anchors == nil {
		return today, false, nil
	}
	rec, ok, err := f.anchors.GetAnchor(ctx, t.ID)
	if err != nil {
		return recurrence.Date{}, false, fmt.Errorf("task %s: load anchor: %w", t.ID, err)
	}
	if !ok || rec.Key != key {
		return today, false, nil
	}
	d, err := recurrence.ParseDate(rec.Date)
	if err != nil {
		f.log.Warn("stored anchor unreadable; re-anchoring", logx.String("task_id", t.ID), logx.String("date", rec.Date), logx.Err(err))
		return today, false, nil
	}
	return d, true, nil
}

func selectionKey(sel recurrence.Selection, tz string) string {
	raw, _ := json.Marshal(struct {
		Sel recurrence.Selection
		TZ  string
	}{sel, tz})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:12])
}

// Watch reloads the file on change until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, f.path, 0, f.log, func(ctx context.Context) {
		changed, err := f.Reload(ctx)
		if err != nil {
			f.log.Warn("tasks reload failed", logx.String("path", f.path), logx.Err(err))
			return
		}
		if len(changed) > 0 {
			f.log.Info("tasks reloaded", logx.String("path", f.path), logx.Any("changed", changed))
		}
	})
}

func (f *File) ListActiveTasks(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return activeSorted(f.tasks), nil
}

func (f *File) Get(ctx context.Context, id string) (Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tasks[id]
	return t, ok, nil
}

func (f *File) Subscribe(buffer int) (<-chan string, func()) { return f.subs.add(buffer) }

func diffTasks(prev, next map[string]Task) []string {
	var out []string
	for id, t := range next {
		if old, ok := prev[id]; !ok || !reflect.DeepEqual(old, t) {
			out = append(out, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
