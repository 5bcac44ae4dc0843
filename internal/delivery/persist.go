package delivery

import (
	"context"
	"encoding/json"
	"time"

	"eldercare/internal/storage"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

// savedReminder is the stored form of a reminder that is not settled.
type savedReminder struct {
	Reminder Reminder        `json:"reminder"`
	Task     tasksource.Task `json:"task"`
	// Deadline is when the armed expiry or snooze timer fires.
	Deadline time.Time `json:"deadline,omitzero"`
}

// settled reports whether nothing is left to do for the reminder.
func (r Reminder) settled() bool {
	return r.Status.Terminal() && len(r.PendingEscalations) == 0
}

// persist writes the reminder while it is unsettled and removes it once it
// settles. Only run calls it.
func (a *actor) persist(ctx context.Context) {
	st := a.m.store
	if st == nil {
		return
	}
	if a.r.settled() {
		if !a.saved {
			return
		}
		if err := st.DeleteReminder(ctx, a.r.ID); err != nil {
			a.m.log.Warn("reminder delete failed", logx.String("reminder_id", a.r.ID), logx.Err(err))
			return
		}
		a.saved = false
		return
	}

	b, err := json.Marshal(savedReminder{Reminder: a.r, Task: a.r.Task, Deadline: a.deadline})
	if err != nil {
		a.m.log.Warn("reminder encode failed", logx.String("reminder_id", a.r.ID), logx.Err(err))
		return
	}
	rec := storage.ReminderRecord{ID: a.r.ID, TaskID: a.r.TaskID, UpdatedAt: a.r.UpdatedAt, State: b}
	if err := st.PutReminder(ctx, rec); err != nil {
		a.m.log.Warn("reminder save failed", logx.String("reminder_id", a.r.ID), logx.Err(err))
		return
	}
	a.saved = true
}

// Restore resumes the reminders that were unsettled when the engine last
// stopped. Timers that lapsed while down fire at once; failed escalations
// wait for RetryPending. It returns how many reminders were resumed.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.ListReminders(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		var saved savedReminder
		if err := json.Unmarshal(rec.State, &saved); err != nil || saved.Reminder.ID != rec.ID {
			m.log.Warn("stored reminder unreadable; dropping", logx.String("reminder_id", rec.ID), logx.Err(err))
			_ = m.store.DeleteReminder(ctx, rec.ID)
			continue
		}
		r := saved.Reminder
		r.Task = saved.Task

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return n, ErrStopped
		}
		if _, ok := m.actors[r.ID]; ok {
			m.mu.Unlock()
			continue
		}
		a := newActor(m, r)
		a.saved = true
		m.actors[r.ID] = a
		m.wg.Add(1)
		go a.run()
		m.mu.Unlock()

		if err := a.ask(ctx, message{kind: msgResume, deadline: saved.Deadline}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.log.Info("reminders restored", logx.Int("count", n))
	}
	return n, nil
}
