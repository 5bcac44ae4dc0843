package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eldercare/internal/tick"
	logx "eldercare/pkg/logx"
)

// Job is a periodic engine chore.
type Job struct {
	Name string
	Spec string // cron expression, "@every 1m" or a bare duration
	Run  func(ctx context.Context)
}

type JobInfo struct {
	Name   string        `json:"name"`
	Spec   string        `json:"spec"`
	Next   time.Time     `json:"next"`
	Spread time.Duration `json:"spread,omitempty"`
}

// maintenance runs Jobs on a cron instance that is rebuilt whenever the
// job set or timezone changes.
type maintenance struct {
	mu    sync.Mutex
	c     *cron.Cron
	ids   map[cron.EntryID]JobInfo
	jobs  []Job
	loc   *time.Location
	log   logx.Logger
	clogs cron.Logger
}

func newMaintenance(log logx.Logger) *maintenance {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &maintenance{log: log, clogs: cronLogger{log: log}}
}

// Restart validates every spec first; on error the running set is kept.
func (m *maintenance) Restart(ctx context.Context, loc *time.Location, jobs []Job) error {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)

	next := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(m.clogs), cron.SkipIfStillRunning(m.clogs)),
	)
	ids := make(map[cron.EntryID]JobInfo, len(jobs))
	for _, j := range jobs {
		spec, err := tick.ParseSchedule(j.Spec)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		sched, spread, err := spec.Schedule(now, j.Name)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		run := j.Run
		id := next.Schedule(sched, cron.FuncJob(func() { run(ctx) }))
		ids[id] = JobInfo{Name: j.Name, Spec: j.Spec, Spread: spread}
	}

	m.mu.Lock()
	prev := m.c
	m.c, m.ids, m.jobs, m.loc = next, ids, jobs, loc
	m.mu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	next.Start()
	m.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(jobs)))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (m *maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Snapshot lists scheduled jobs ordered by their next run.
func (m *maintenance) Snapshot() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	entries := m.c.Entries()
	out := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		info := m.ids[e.ID]
		info.Next = e.Next
		out = append(out, info)
	}
	return out
}

// cronLogger adapts logx to cron.Logger for the job wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
