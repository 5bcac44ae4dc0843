package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eldercare/internal/eventbus"
	"eldercare/internal/recurrence"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

const upcomingInSnapshot = 5

type taskState struct {
	id   string
	task tasksource.Task
	loc  *time.Location

	state TaskState
	// ver changes on every reload or deactivation; timers armed under an
	// older version are ignored.
	ver uint64

	watermark     time.Time
	loadedThrough time.Time
	lateThrough   time.Time
	pending       []time.Time
	timers        map[int64]clockwork.Timer
	fired         uint64
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	src   TaskSource
	store WatermarkStore
	due   DueFunc

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	seq     uint64
	tasks   map[string]*taskState

	// Fire locks outlive task reloads so fires of one task never overlap.
	fireMu    sync.Mutex
	fireLocks map[string]*sync.Mutex

	inflight sync.WaitGroup
}

type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, src TaskSource, store WatermarkStore, due DueFunc, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		clock:     clockwork.NewRealClock(),
		src:       src,
		store:     store,
		due:       due,
		tasks:     map[string]*taskState{},
		fireLocks: map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the horizon and default timezone. A new horizon takes effect
// on the next AdvanceHorizon; loaded occurrences are kept.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start loads every active task from its persisted watermark and fires the
// occurrences missed while the process was down. It refuses to start when any
// watermark cannot be read.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tasks, err := s.src.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}

	now := s.clock.Now()
	from := make(map[string]time.Time, len(tasks))
	for _, t := range tasks {
		wm, ok, err := s.store.GetWatermark(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrWatermarkUnavailable, t.ID, err)
		}
		if !ok {
			wm = s.initWatermark(ctx, t.ID, now)
		}
		from[t.ID] = wm
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	vers := make(map[string]uint64, len(tasks))
	for _, t := range tasks {
		vers[t.ID] = s.load(t, from[t.ID], now)
	}
	for _, t := range tasks {
		s.fire(t.ID, vers[t.ID])
	}

	s.mu.Lock()
	horizon := s.cfg.Horizon
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.Int("tasks", len(tasks)), logx.Duration("horizon", horizon))
	return nil
}

// Stop cancels timers and waits for in-flight fires. Tracked state is
// discarded; watermarks persist.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, ts := range s.tasks {
		s.stopTimersLocked(ts)
	}
	s.tasks = map[string]*taskState{}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for in-flight fires")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// AdvanceHorizon extends every task's materialized window to now+horizon. It
// also resyncs with the task source, loading tasks it missed and
// deactivating ones that disappeared.
func (s *Service) AdvanceHorizon(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	if tasks, err := s.src.ListActiveTasks(ctx); err != nil {
		s.log.Warn("task resync failed", logx.Err(err))
	} else {
		s.resync(ctx, tasks)
	}

	s.mu.Lock()
	now := s.clock.Now()
	due := map[string]uint64{}
	for id, ts := range s.tasks {
		if ts.state == StateIdle {
			continue
		}
		s.extendLocked(ts, now)
		if len(ts.pending) > 0 && !ts.pending[0].After(now) {
			due[id] = ts.ver
		}
	}
	s.mu.Unlock()

	// Only reachable when the window fell behind the clock, e.g. after a
	// suspend longer than the horizon.
	for id, ver := range due {
		s.fire(id, ver)
	}
	return nil
}

func (s *Service) resync(ctx context.Context, tasks []tasksource.Task) {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = struct{}{}
		s.mu.Lock()
		ts := s.tasks[t.ID]
		same := ts != nil && reflect.DeepEqual(ts.task, t)
		s.mu.Unlock()
		if same {
			continue
		}
		if err := s.OnTaskChanged(ctx, t.ID); err != nil {
			s.log.Warn("task resync failed", logx.String("task_id", t.ID), logx.Err(err))
		}
	}

	s.mu.Lock()
	var gone []string
	for id := range s.tasks {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.DeactivateTask(id)
	}
}

// OnTaskChanged reloads one task after an edit. Pending occurrences are
// discarded and the task is re-expanded from max(watermark, now), so an
// edited rule never fires historical instants.
func (s *Service) OnTaskChanged(ctx context.Context, id string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	t, ok, err := s.src.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get task %s: %w", id, err)
	}
	if !ok || !t.Active {
		s.DeactivateTask(id)
		return nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	var wm time.Time
	known := false
	if ts := s.tasks[id]; ts != nil {
		wm, known = ts.watermark, true
	}
	s.mu.Unlock()

	if !known {
		stored, found, err := s.store.GetWatermark(ctx, id)
		switch {
		case err != nil:
			s.log.Warn("watermark read failed; loading from now", logx.String("task_id", id), logx.Err(err))
		case found:
			wm = stored
		default:
			s.initWatermark(ctx, id, now)
		}
	}

	from := wm
	if now.After(from) {
		from = now
	}
	s.fire(id, s.load(t, from, now))
	return nil
}

// DeactivateTask stops a task's timers and drops its pending occurrences
// without firing them.
func (s *Service) DeactivateTask(id string) {
	s.mu.Lock()
	ts := s.tasks[id]
	if ts == nil {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked(ts)
	dropped := len(ts.pending)
	ts.pending = nil
	ts.state = StateIdle
	s.seq++
	ts.ver = s.seq
	delete(s.tasks, id)
	s.mu.Unlock()

	s.log.Info("task deactivated", logx.String("task_id", id), logx.Int("dropped", dropped))
	eventbus.Emit(s.bus, eventbus.SchedulerTaskDeactivated, map[string]any{"task_id": id, "dropped": dropped})
}

func (s *Service) initWatermark(ctx context.Context, id string, now time.Time) time.Time {
	wm := now.Add(-time.Nanosecond)
	if err := s.store.SetWatermark(ctx, id, wm); err != nil {
		s.log.Warn("watermark write failed", logx.String("task_id", id), logx.Err(err))
	}
	return wm
}

// load (re)places the task's state, expanding (from, now+horizon]. It
// returns the new version; instants <= now are left pending and the caller
// fires them.
func (s *Service) load(t tasksource.Task, from, now time.Time) uint64 {
	s.mu.Lock()
	ts := s.tasks[t.ID]
	if ts == nil {
		ts = &taskState{id: t.ID, timers: map[int64]clockwork.Timer{}}
		s.tasks[t.ID] = ts
	}
	s.stopTimersLocked(ts)
	s.seq++
	ts.ver = s.seq
	ts.task = t
	ts.loc = t.Location(s.cfg.DefaultLocation)
	ts.state = StateHorizonLoaded
	ts.watermark = from
	ts.loadedThrough = from
	ts.lateThrough = now
	ts.pending = nil
	s.extendLocked(ts, now)
	ver, pending, through := ts.ver, len(ts.pending), ts.loadedThrough
	s.mu.Unlock()

	s.log.Debug("task loaded",
		logx.String("task_id", t.ID),
		logx.String("rule", t.Rule.Describe()),
		logx.Time("from", from),
		logx.Time("through", through),
		logx.Int("pending", pending),
	)
	eventbus.Emit(s.bus, eventbus.SchedulerTaskLoaded, map[string]any{"task_id": t.ID, "pending": pending})
	return ver
}

// extendLocked materializes (loadedThrough, now+horizon] and arms a timer
// for each new instant.
func (s *Service) extendLocked(ts *taskState, now time.Time) {
	to := now.Add(s.cfg.Horizon)
	if !to.After(ts.loadedThrough) {
		return
	}
	for at := range recurrence.Expand(ts.task.Rule, ts.loc, ts.loadedThrough.Add(time.Nanosecond), to.Add(time.Nanosecond)) {
		ts.pending = append(ts.pending, at)
		s.armLocked(ts, at, now)
	}
	ts.loadedThrough = to
}

// armLocked sets a timer for a future instant. Instants already due have
// no timer; whoever extended the window calls fire for them.
func (s *Service) armLocked(ts *taskState, at, now time.Time) {
	if !at.After(now) {
		return
	}
	key := at.UnixNano()
	if _, ok := ts.timers[key]; ok {
		return
	}
	id, ver := ts.id, ts.ver
	ts.timers[key] = s.clock.AfterFunc(at.Sub(now), func() { s.fire(id, ver) })
}

func (s *Service) stopTimersLocked(ts *taskState) {
	for k, t := range ts.timers {
		t.Stop()
		delete(ts.timers, k)
	}
}

func (s *Service) fireLock(id string) *sync.Mutex {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	l := s.fireLocks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.fireLocks[id] = l
	}
	return l
}

// fire pops every pending occurrence that is due, refills the horizon and
// hands the popped occurrences to the due func in order.
func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	if !s.started || s.tasks[id] == nil || s.tasks[id].ver != ver {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	l := s.fireLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	ts := s.tasks[id]
	if ts == nil || ts.ver != ver {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.extendLocked(ts, now)
	n := sort.Search(len(ts.pending), func(i int) bool { return ts.pending[i].After(now) })
	if n == 0 {
		s.mu.Unlock()
		return
	}
	due := append([]time.Time(nil), ts.pending[:n]...)
	ts.pending = ts.pending[n:]
	for _, at := range due {
		if t, ok := ts.timers[at.UnixNano()]; ok {
			t.Stop()
			delete(ts.timers, at.UnixNano())
		}
	}
	ts.state = StateFiring
	ctx, lateThrough := s.ctx, ts.lateThrough
	s.mu.Unlock()

	for _, at := range due {
		occ := Occurrence{TaskID: id, ScheduledAt: at, Late: !at.After(lateThrough)}
		if err := s.due(ctx, occ); err != nil {
			s.log.Warn("occurrence handler failed",
				logx.String("task_id", id),
				logx.Time("scheduled_at", at),
				logx.Err(err),
			)
		}

		s.mu.Lock()
		if at.After(ts.watermark) {
			ts.watermark = at
		}
		ts.fired++
		s.mu.Unlock()

		// The in-memory watermark advances even when the write fails.
		if err := s.store.SetWatermark(ctx, id, at); err != nil {
			s.log.Warn("watermark write failed", logx.String("task_id", id), logx.Time("at", at), logx.Err(err))
		}
		s.log.Debug("occurrence fired", logx.String("task_id", id), logx.Time("scheduled_at", at), logx.Bool("late", occ.Late))
		eventbus.Emit(s.bus, eventbus.OccurrenceFired, occ)
	}

	s.mu.Lock()
	if s.tasks[id] == ts && ts.ver == ver {
		ts.state = StateHorizonLoaded
	}
	s.mu.Unlock()
}

// Snapshot reports per-task state for diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Started: s.started, Horizon: s.cfg.Horizon, Tasks: make([]TaskInfo, 0, len(s.tasks))}
	for _, ts := range s.tasks {
		info := TaskInfo{
			TaskID:        ts.id,
			Name:          ts.task.Name,
			State:         ts.state,
			Timezone:      ts.loc.String(),
			Rule:          ts.task.Rule.Describe(),
			Pending:       len(ts.pending),
			Watermark:     ts.watermark,
			LoadedThrough: ts.loadedThrough,
			Fired:         ts.fired,
		}
		for i := 0; i < len(ts.pending) && i < upcomingInSnapshot; i++ {
			info.Upcoming = append(info.Upcoming, ts.pending[i])
		}
		out.Tasks = append(out.Tasks, info)
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].TaskID < out.Tasks[j].TaskID })
	return out
}

// Pending returns the materialized, not yet fired occurrences of one task.
func (s *Service) Pending(id string) []Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tasks[id]
	if ts == nil {
		return nil
	}
	out := make([]Occurrence, 0, len(ts.pending))
	for _, at := range ts.pending {
		out = append(out, Occurrence{TaskID: id, ScheduledAt: at})
	}
	return out
}
