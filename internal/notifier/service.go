package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"eldercare/internal/delivery"
	"eldercare/internal/eventbus"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

// Directory resolves the task behind a reminder.
type Directory func(ctx context.Context, taskID string) (tasksource.Task, bool, error)

// Service implements delivery.Notifier on top of a Transport:
// recipient lookup + formatting + rate limit + per-send timeout.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	tr  Transport
	dir Directory

	cfg     Config
	limiter *rate.Limiter

	// Delivered caregiver channels: reminder|reason|channel -> sent at.
	dmu       sync.Mutex
	delivered map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

var _ delivery.Notifier = (*Service)(nil)

func New(cfg Config, tr Transport, dir Directory, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log,
		bus:       bus,
		tr:        tr,
		dir:       dir,
		delivered: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetTransport swaps the transport, e.g. after a config reload.
func (s *Service) SetTransport(tr Transport) {
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	if cfg.DeliveredMax <= 0 {
		cfg.DeliveredMax = 5000
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SendToElder pushes a reminder to the elder's device.
func (s *Service) SendToElder(ctx context.Context, r delivery.Reminder) error {
	t, err := s.lookup(ctx, r.TaskID, r)
	if err != nil {
		return err
	}
	device := strings.TrimSpace(t.Device)
	if device == "" {
		return fmt.Errorf("%w: task %s has no elder device", ErrNoRecipient, t.ID)
	}
	loc := s.location(t)
	return s.send(ctx, Message{
		Channel:    ChannelPush,
		To:         device,
		Subject:    taskName(t),
		Text:       elderText(t, r, loc),
		TaskID:     t.ID,
		ReminderID: r.ID,
	})
}

// NotifyCaregiver sends an escalation by SMS and email. Channels already
// delivered for this reminder and reason are skipped, so a retry only resends
// what failed. A task removed since the reminder became due is reached
// through the reminder's snapshot.
func (s *Service) NotifyCaregiver(ctx context.Context, taskID string, reason delivery.Reason, r delivery.Reminder) error {
	t, err := s.lookup(ctx, taskID, r)
	if err != nil {
		return err
	}
	loc := s.location(t)
	text := caregiverText(t, reason, r, loc)
	subject := caregiverSubject(t, reason)

	var msgs []Message
	if phone := strings.TrimSpace(t.Caregiver.Phone); phone != "" {
		msgs = append(msgs, Message{Channel: ChannelSMS, To: phone, Text: text})
	}
	if email := strings.TrimSpace(t.Caregiver.Email); email != "" {
		msgs = append(msgs, Message{Channel: ChannelEmail, To: email, Subject: subject, Text: text})
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%w: task %s has no caregiver contact", ErrNoRecipient, t.ID)
	}

	var errs []error
	for _, m := range msgs {
		m.TaskID, m.ReminderID, m.Reason = t.ID, r.ID, string(reason)
		key := deliveredKey(r.ID, reason, m.Channel)
		if s.wasDelivered(key) {
			continue
		}
		if err := s.send(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		s.markDelivered(key)
	}
	return errors.Join(errs...)
}

// lookup prefers the live task so edited contacts apply, and falls back to
// the reminder's snapshot.
func (s *Service) lookup(ctx context.Context, taskID string, r delivery.Reminder) (tasksource.Task, error) {
	if s.dir != nil {
		t, ok, err := s.dir(ctx, taskID)
		if err != nil {
			return tasksource.Task{}, fmt.Errorf("lookup task %s: %w", taskID, err)
		}
		if ok {
			return t, nil
		}
	}
	if r.Task.ID == taskID && taskID != "" {
		return r.Task, nil
	}
	return tasksource.Task{}, fmt.Errorf("%w: unknown task %s", ErrNoRecipient, taskID)
}

func (s *Service) location(t tasksource.Task) *time.Location {
	s.mu.Lock()
	def := s.cfg.DefaultLocation
	s.mu.Unlock()
	return t.Location(def)
}

// send makes exactly one attempt; there are no transport retries here.
func (s *Service) send(ctx context.Context, m Message) error {
	s.mu.Lock()
	lim := s.limiter
	tr := s.tr
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if tr == nil {
		return fmt.Errorf("%w: no transport", ErrSendFailed)
	}
	// Rate limit (honor cancellation).
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, m.Channel, err)
	}

	m.ID = uuid.NewString()
	m.At = time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := tr.Send(callCtx, m)
	cancel()

	s.appendHistory(m, err)
	ev := NotificationEvent{Channel: m.Channel, ReminderID: m.ReminderID, TaskID: m.TaskID, Reason: m.Reason, Key: m.ID, At: m.At}
	if err != nil {
		ev.Error = err.Error()
		eventbus.Emit(s.bus, eventbus.NotifierFailed, ev)
		s.log.Debug("notify send failed", logx.String("channel", string(m.Channel)), logx.String("reminder_id", m.ReminderID), logx.Err(err))
		return fmt.Errorf("%w: %s via %s: %w", ErrSendFailed, m.Channel, tr.Name(), err)
	}
	eventbus.Emit(s.bus, eventbus.NotifierSent, ev)
	return nil
}

func deliveredKey(reminderID string, reason delivery.Reason, ch Channel) string {
	return reminderID + "|" + string(reason) + "|" + string(ch)
}

func (s *Service) wasDelivered(key string) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	_, ok := s.delivered[key]
	return ok
}

func (s *Service) markDelivered(key string) {
	s.mu.Lock()
	limit := s.cfg.DeliveredMax
	s.mu.Unlock()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.delivered[key] = time.Now()
	// Remove entries with the earliest send time until within cap.
	for len(s.delivered) > limit {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.delivered {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.delivered, minKey)
	}
}

// Snapshot returns the recent message history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(m Message, err error) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	it := HistoryItem{At: m.At, Channel: m.Channel, ReminderID: m.ReminderID, Reason: m.Reason, Text: m.Text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
