package delivery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eldercare/internal/eventbus"
	"eldercare/internal/storage"
	logx "eldercare/pkg/logx"
)

type msgKind int

const (
	msgDeliver msgKind = iota
	msgAck
	msgTimer
	msgRetry
	msgResume
)

type message struct {
	kind     msgKind
	ack      Ack
	gen      uint64
	deadline time.Time
	reply    chan error
}

const inboxSize = 16

// actor owns one reminder. Only run touches r, timer and gen.
type actor struct {
	m *Manager

	inbox    chan message
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	r        Reminder
	timer    clockwork.Timer
	gen      uint64
	deadline time.Time
	saved    bool

	snapMu sync.RWMutex
	snap   Reminder
}

func newActor(m *Manager, r Reminder) *actor {
	return &actor{
		m:     m,
		inbox: make(chan message, inboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		r:     r,
		snap:  r.clone(),
	}
}

// run processes the mailbox until the reminder is terminal with nothing
// left to escalate, or until stop.
func (a *actor) run() {
	defer a.m.wg.Done()
	defer close(a.done)

	ctx := context.Background()
	for {
		select {
		case <-a.quit:
			a.stopTimer()
			return
		case msg := <-a.inbox:
			err := a.handle(ctx, msg)
			a.publish()
			a.persist(ctx)
			if msg.reply != nil {
				msg.reply <- err
			}
			if a.r.settled() {
				a.stopTimer()
				return
			}
		}
	}
}

func (a *actor) stop() { a.quitOnce.Do(func() { close(a.quit) }) }

func (a *actor) exited() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *actor) snapshot() Reminder {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap.clone()
}

func (a *actor) publish() {
	a.snapMu.Lock()
	a.snap = a.r.clone()
	a.snapMu.Unlock()
}

// ask sends msg and waits for the actor's answer.
func (a *actor) ask(ctx context.Context, msg message) error {
	msg.reply = make(chan error, 1)
	select {
	case a.inbox <- msg:
	case <-a.done:
		return a.closedErr(msg)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-a.done:
		select {
		case err := <-msg.reply:
			return err
		default:
			return a.closedErr(msg)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by timers; it never blocks past the actor's exit.
func (a *actor) post(msg message) {
	select {
	case a.inbox <- msg:
	case <-a.done:
	}
}

func (a *actor) closedErr(msg message) error {
	r := a.snapshot()
	switch {
	case msg.kind == msgAck && r.Status.Terminal():
		return &TransitionError{ID: r.ID, From: r.Status, Action: msg.ack.Action}
	case msg.kind == msgRetry && len(r.PendingEscalations) == 0:
		return nil
	default:
		return ErrStopped
	}
}

func (a *actor) handle(ctx context.Context, msg message) error {
	switch msg.kind {
	case msgDeliver:
		if a.r.Status == StatusScheduled {
			a.deliver(ctx)
		}
	case msgAck:
		return a.applyAck(ctx, msg.ack)
	case msgTimer:
		if msg.gen != a.gen {
			return nil
		}
		a.timer = nil
		a.deadline = time.Time{}
		switch a.r.Status {
		case StatusSent:
			a.expire(ctx)
		case StatusSnoozed:
			a.deliver(ctx)
		}
	case msgRetry:
		for _, reason := range slices.Clone(a.r.PendingEscalations) {
			a.attemptEscalation(ctx, reason)
		}
	case msgResume:
		switch a.r.Status {
		case StatusScheduled:
			a.deliver(ctx)
		case StatusSent, StatusSnoozed:
			a.arm(msg.deadline.Sub(a.m.clock.Now()))
		}
	}
	return nil
}

// deliver moves Scheduled or Snoozed to Sent. A failed push still counts as
// sent so the expiry window runs.
func (a *actor) deliver(ctx context.Context) {
	cfg := a.m.config()
	from := a.r.Status
	sentAt := a.m.clock.Now()
	a.r.Status = StatusSent
	a.r.SentAt = sentAt
	a.r.Deliveries++
	a.r.UpdatedAt = sentAt

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := a.m.notifier.SendToElder(sctx, a.r.clone())
	cancel()
	a.r.DeliveryFailed = err != nil

	a.arm(cfg.expiryFor(a.r.Late) - a.m.clock.Since(sentAt))

	fields := []logx.Field{
		logx.String("reminder_id", a.r.ID),
		logx.String("task_id", a.r.TaskID),
		logx.Int("delivery", a.r.Deliveries),
		logx.Bool("late", a.r.Late),
	}
	if err != nil {
		a.m.log.Warn("elder push failed; reminder stays sent", append(fields, logx.Err(err))...)
	} else {
		a.m.log.Debug("reminder sent", fields...)
	}
	a.record(ctx, "sent", from, "", "", err)
	eventbus.Emit(a.m.bus, eventbus.ReminderSent, a.r.clone())
}

func (a *actor) applyAck(ctx context.Context, ack Ack) error {
	from := a.r.Status
	if from != StatusSent {
		return &TransitionError{ID: a.r.ID, From: from, Action: ack.Action}
	}
	cfg := a.m.config()
	now := a.m.clock.Now()
	a.r.UpdatedAt = now

	switch ack.Action {
	case ActionDone:
		a.stopTimer()
		a.r.Status = StatusDone
		a.r.ConfirmedAt = now
		a.r.ConfirmedBy = ack.By
		a.r.Note = ack.Note
		a.m.log.Info("reminder done", logx.String("reminder_id", a.r.ID), logx.String("task_id", a.r.TaskID), logx.String("by", ack.By))
		a.record(ctx, "done", from, ack.By, ack.Note, nil)
		eventbus.Emit(a.m.bus, eventbus.ReminderDone, a.r.clone())

	case ActionDismiss:
		a.stopTimer()
		a.r.Status = StatusDismissed
		a.r.Note = ack.Note
		a.m.log.Info("reminder dismissed", logx.String("reminder_id", a.r.ID), logx.String("task_id", a.r.TaskID), logx.String("by", ack.By))
		a.record(ctx, "dismissed", from, ack.By, ack.Note, nil)
		eventbus.Emit(a.m.bus, eventbus.ReminderDismissed, a.r.clone())
		a.escalate(ctx, ReasonDismissed)

	case ActionSnooze:
		a.r.Status = StatusSnoozed
		a.r.SnoozeCount++
		a.arm(cfg.SnoozeDelay)
		a.m.log.Debug("reminder snoozed", logx.String("reminder_id", a.r.ID), logx.Int("count", a.r.SnoozeCount))
		a.record(ctx, "snoozed", from, ack.By, ack.Note, nil)
		eventbus.Emit(a.m.bus, eventbus.ReminderSnoozed, a.r.clone())
		if a.r.SnoozeCount > cfg.quietSnoozes() {
			a.escalate(ctx, ReasonExcessiveSnooze)
		}
	}
	return nil
}

func (a *actor) expire(ctx context.Context) {
	from := a.r.Status
	a.r.Status = StatusExpired
	a.r.UpdatedAt = a.m.clock.Now()
	a.m.log.Info("reminder expired", logx.String("reminder_id", a.r.ID), logx.String("task_id", a.r.TaskID))
	a.record(ctx, "expired", from, "", "", nil)
	eventbus.Emit(a.m.bus, eventbus.ReminderExpired, a.r.clone())
	a.escalate(ctx, ReasonExpired)
}

// escalate notifies the caregiver at most once per reason.
func (a *actor) escalate(ctx context.Context, reason Reason) {
	if slices.Contains(a.r.Escalations, reason) || slices.Contains(a.r.PendingEscalations, reason) {
		return
	}
	if a.m.store != nil {
		done, err := a.m.store.HasEscalation(ctx, a.r.ID, string(reason))
		if err != nil {
			a.m.log.Warn("escalation lookup failed", logx.String("reminder_id", a.r.ID), logx.Err(err))
		} else if done {
			a.r.Escalations = append(a.r.Escalations, reason)
			return
		}
	}
	a.attemptEscalation(ctx, reason)
}

func (a *actor) attemptEscalation(ctx context.Context, reason Reason) bool {
	cfg := a.m.config()
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := a.m.notifier.NotifyCaregiver(sctx, a.r.TaskID, reason, a.r.clone())
	cancel()

	now := a.m.clock.Now()
	a.r.UpdatedAt = now
	if err != nil {
		if !slices.Contains(a.r.PendingEscalations, reason) {
			a.r.PendingEscalations = append(a.r.PendingEscalations, reason)
		}
		a.m.log.Warn("caregiver escalation failed; will retry",
			logx.String("reminder_id", a.r.ID),
			logx.String("task_id", a.r.TaskID),
			logx.String("reason", string(reason)),
			logx.Err(err),
		)
		a.record(ctx, "escalation_failed", a.r.Status, "", string(reason), err)
		eventbus.Emit(a.m.bus, eventbus.ReminderEscalationFailed, map[string]any{"reminder": a.r.clone(), "reason": reason})
		return false
	}

	a.r.PendingEscalations = slices.DeleteFunc(a.r.PendingEscalations, func(r Reason) bool { return r == reason })
	a.r.Escalations = append(a.r.Escalations, reason)
	if a.m.store != nil {
		rec := storage.EscalationRecord{ReminderID: a.r.ID, TaskID: a.r.TaskID, Reason: string(reason), At: now}
		if err := a.m.store.PutEscalation(ctx, rec); err != nil {
			a.m.log.Warn("escalation record failed", logx.String("reminder_id", a.r.ID), logx.Err(err))
		}
	}
	a.m.log.Info("caregiver notified",
		logx.String("reminder_id", a.r.ID),
		logx.String("task_id", a.r.TaskID),
		logx.String("reason", string(reason)),
	)
	a.record(ctx, "escalated", a.r.Status, "", string(reason), nil)
	eventbus.Emit(a.m.bus, eventbus.ReminderEscalated, map[string]any{"reminder": a.r.clone(), "reason": reason})
	return true
}

// arm replaces the reminder's timer; any earlier timer becomes stale.
func (a *actor) arm(d time.Duration) {
	a.stopTimer()
	gen := a.gen
	d = max(d, 0)
	a.deadline = a.m.clock.Now().Add(d)
	a.timer = a.m.clock.AfterFunc(d, func() { a.post(message{kind: msgTimer, gen: gen}) })
}

func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = time.Time{}
	a.gen++
}

func (a *actor) record(ctx context.Context, action string, from Status, by, note string, err error) {
	e := storage.AuditEntry{
		At:         a.r.UpdatedAt,
		ReminderID: a.r.ID,
		TaskID:     a.r.TaskID,
		Action:     action,
		From:       string(from),
		To:         string(a.r.Status),
		Actor:      by,
		Note:       note,
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.m.audit(ctx, e)
}
