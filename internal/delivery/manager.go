package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eldercare/internal/eventbus"
	"eldercare/internal/scheduler"
	"eldercare/internal/storage"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

// Notifier reaches the elder and the caregiver. One call is one attempt.
type Notifier interface {
	SendToElder(ctx context.Context, r Reminder) error
	NotifyCaregiver(ctx context.Context, taskID string, reason Reason, r Reminder) error
}

// Store persists delivered escalations, reminders that are not settled yet
// and the audit trail. storage.Store satisfies it.
type Store interface {
	HasEscalation(ctx context.Context, reminderID, reason string) (bool, error)
	PutEscalation(ctx context.Context, rec storage.EscalationRecord) error

	PutReminder(ctx context.Context, rec storage.ReminderRecord) error
	DeleteReminder(ctx context.Context, id string) error
	ListReminders(ctx context.Context) ([]storage.ReminderRecord, error)

	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// TaskLookup resolves the task behind a reminder.
type TaskLookup func(ctx context.Context, id string) (tasksource.Task, bool, error)

type Config struct {
	SnoozeDelay time.Duration
	ExpiryAfter time.Duration
	// LateExpiryAfter applies to occurrences fired late; 0 means ExpiryAfter.
	LateExpiryAfter time.Duration
	// SnoozeLimit is how many snoozes pass quietly; the next one escalates.
	// 0 means DefaultSnoozeLimit. NoQuietSnoozes escalates on the first one.
	SnoozeLimit int
	SendTimeout time.Duration
	Retention   time.Duration
}

const (
	DefaultSnoozeDelay = 10 * time.Minute
	DefaultExpiryAfter = 30 * time.Minute
	DefaultSnoozeLimit = 3
	DefaultSendTimeout = 15 * time.Second
	DefaultRetention   = 24 * time.Hour

	NoQuietSnoozes = -1
)

func (c Config) withDefaults() Config {
	if c.SnoozeDelay <= 0 {
		c.SnoozeDelay = DefaultSnoozeDelay
	}
	if c.ExpiryAfter <= 0 {
		c.ExpiryAfter = DefaultExpiryAfter
	}
	if c.LateExpiryAfter < 0 {
		c.LateExpiryAfter = 0
	}
	switch {
	case c.SnoozeLimit == 0:
		c.SnoozeLimit = DefaultSnoozeLimit
	case c.SnoozeLimit < 0:
		c.SnoozeLimit = NoQuietSnoozes
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// quietSnoozes is how many snoozes pass before escalating.
func (c Config) quietSnoozes() int { return max(c.SnoozeLimit, 0) }

func (c Config) expiryFor(late bool) time.Duration {
	if late && c.LateExpiryAfter > 0 {
		return c.LateExpiryAfter
	}
	return c.ExpiryAfter
}

type Manager struct {
	mu      sync.Mutex
	cfg     Config
	actors  map[string]*actor
	stopped bool
	wg      sync.WaitGroup

	clock    clockwork.Clock
	notifier Notifier
	store    Store
	tasks    TaskLookup
	log      logx.Logger
	bus      eventbus.Bus
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithTaskLookup(fn TaskLookup) Option {
	return func(m *Manager) { m.tasks = fn }
}

func New(cfg Config, notifier Notifier, store Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		actors:   map[string]*actor{},
		clock:    clockwork.NewRealClock(),
		notifier: notifier,
		store:    store,
		log:      log,
		bus:      bus,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply swaps timings. Timers already armed keep their deadlines.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// OnDue creates the reminder for occ and delivers it. It returns once the
// reminder is Sent, even when the push to the elder failed. A repeated
// occurrence is ignored.
func (m *Manager) OnDue(ctx context.Context, occ scheduler.Occurrence) error {
	id := ReminderID(occ)
	task := m.lookupTask(ctx, occ.TaskID)
	now := m.clock.Now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if _, ok := m.actors[id]; ok {
		m.mu.Unlock()
		m.log.Debug("duplicate occurrence ignored", logx.String("reminder_id", id), logx.String("task_id", occ.TaskID))
		return nil
	}
	a := newActor(m, Reminder{
		ID:          id,
		TaskID:      occ.TaskID,
		ScheduledAt: occ.ScheduledAt,
		Late:        occ.Late,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
		Task:        task,
	})
	m.actors[id] = a
	m.wg.Add(1)
	go a.run()
	m.mu.Unlock()

	return a.ask(ctx, message{kind: msgDeliver})
}

// OnAck applies an acknowledgment. A mismatched state yields a
// *TransitionError and leaves the reminder untouched.
func (m *Manager) OnAck(ctx context.Context, id string, ack Ack) error {
	if _, ok := ParseAction(string(ack.Action)); !ok {
		return fmt.Errorf("unknown action %q", ack.Action)
	}
	m.mu.Lock()
	a, ok := m.actors[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.ask(ctx, message{kind: msgAck, ack: ack})
}

// Get returns a snapshot of one reminder.
func (m *Manager) Get(id string) (Reminder, error) {
	m.mu.Lock()
	a, ok := m.actors[id]
	m.mu.Unlock()
	if !ok {
		return Reminder{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.snapshot(), nil
}

// List returns matching reminders ordered by scheduled time.
func (m *Manager) List(f Filter) []Reminder {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	out := make([]Reminder, 0, len(actors))
	for _, a := range actors {
		r := a.snapshot()
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Instructions reads the task instructions for a reminder without touching
// its state.
func (m *Manager) Instructions(ctx context.Context, id string) (Instructions, error) {
	r, err := m.Get(id)
	if err != nil {
		return Instructions{}, err
	}
	var (
		t  tasksource.Task
		ok bool
	)
	if m.tasks != nil {
		if t, ok, err = m.tasks(ctx, r.TaskID); err != nil {
			return Instructions{}, err
		}
	}
	if !ok && r.Task.ID != "" {
		t, ok = r.Task, true
	}
	if !ok {
		return Instructions{}, fmt.Errorf("%w: task %s", ErrNotFound, r.TaskID)
	}
	return Instructions{
		ReminderID:   r.ID,
		TaskID:       t.ID,
		Name:         t.Name,
		Category:     t.Category,
		Instructions: t.Instructions,
	}, nil
}

// RetryPending re-attempts every escalation that previously failed.
func (m *Manager) RetryPending(ctx context.Context) (delivered, failed int) {
	m.mu.Lock()
	var targets []*actor
	for _, a := range m.actors {
		if len(a.snapshot().PendingEscalations) > 0 {
			targets = append(targets, a)
		}
	}
	m.mu.Unlock()

	for _, a := range targets {
		before := len(a.snapshot().PendingEscalations)
		if err := a.ask(ctx, message{kind: msgRetry}); err != nil {
			failed += before
			continue
		}
		after := len(a.snapshot().PendingEscalations)
		delivered += before - after
		failed += after
	}
	if delivered > 0 || failed > 0 {
		m.log.Info("escalation retry", logx.Int("delivered", delivered), logx.Int("still_pending", failed))
	}
	return delivered, failed
}

// Prune drops terminal reminders whose last update is older than the
// retention window. Reminders with undelivered escalations are kept.
func (m *Manager) Prune() int {
	cfg := m.config()
	cutoff := m.clock.Now().Add(-cfg.Retention)

	m.mu.Lock()
	var pruned []string
	for id, a := range m.actors {
		if !a.exited() {
			continue
		}
		r := a.snapshot()
		if r.settled() && r.UpdatedAt.Before(cutoff) {
			delete(m.actors, id)
			pruned = append(pruned, id)
		}
	}
	m.mu.Unlock()

	if len(pruned) > 0 {
		m.log.Debug("reminders pruned", logx.Int("count", len(pruned)))
		eventbus.Emit(m.bus, eventbus.ReminderPruned, map[string]any{"count": len(pruned)})
	}
	return len(pruned)
}

// Stop halts every actor and waits for them. Snapshots stay readable.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, a := range m.actors {
		a.stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("delivery stop timed out waiting for reminder handlers")
	}
}

// lookupTask snapshots the task for a new reminder. A zero Task means the
// notifier has only the live source to go by.
func (m *Manager) lookupTask(ctx context.Context, id string) tasksource.Task {
	if m.tasks == nil {
		return tasksource.Task{}
	}
	t, ok, err := m.tasks(ctx, id)
	if err != nil {
		m.log.Debug("task snapshot failed", logx.String("task_id", id), logx.Err(err))
		return tasksource.Task{}
	}
	if !ok {
		return tasksource.Task{}
	}
	return t
}

func (m *Manager) audit(ctx context.Context, e storage.AuditEntry) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit append failed", logx.String("reminder_id", e.ReminderID), logx.String("action", e.Action), logx.Err(err))
	}
}
