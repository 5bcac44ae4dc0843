package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/go-chi/chi/v5"

	"eldercare/internal/delivery"
	"eldercare/internal/notifier"
	"eldercare/internal/recurrence"
	"eldercare/internal/scheduler"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

// Reminders is the delivery side the API drives.
type Reminders interface {
	Get(id string) (delivery.Reminder, error)
	List(f delivery.Filter) []delivery.Reminder
	OnAck(ctx context.Context, id string, ack delivery.Ack) error
	Instructions(ctx context.Context, id string) (delivery.Instructions, error)
}

type Schedule interface {
	Snapshot() scheduler.Snapshot
}

type Tasks interface {
	ListActiveTasks(ctx context.Context) ([]tasksource.Task, error)
	Get(ctx context.Context, id string) (tasksource.Task, bool, error)
}

type History interface {
	Snapshot() []notifier.HistoryItem
}

const (
	maxOccurrences   = 1000
	maxCalendarDays  = 62
	calendarEventLen = 30 * time.Minute
)

// Handler holds dependencies for HTTP handlers. Nil dependencies answer 503.
type Handler struct {
	Reminders     Reminders
	Schedule      Schedule
	Tasks         Tasks
	Notifications History

	DefaultLocation *time.Location
	Log             logx.Logger
	Now             func() time.Time
}

func (h *Handler) log() logx.Logger {
	if h.Log.IsZero() {
		return logx.Nop()
	}
	return h.Log
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) location(t tasksource.Task) *time.Location {
	return t.Location(h.DefaultLocation)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// AckRequest is the body of POST /reminders/{id}/ack.
type AckRequest struct {
	Action string `json:"action"`
	By     string `json:"by,omitempty"`
	Note   string `json:"note,omitempty"`
}

// OccurrenceResponse is one expanded instant of a task.
type OccurrenceResponse struct {
	TaskID     string    `json:"task_id"`
	At         time.Time `json:"at"`
	Local      string    `json:"local"`
	ReminderID string    `json:"reminder_id"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": h.now().UTC()})
}

func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	if h.Reminders == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminders unavailable", nil)
		return
	}
	var f delivery.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := delivery.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", s))
			return
		}
		f.Status = st
	}
	f.TaskID = r.URL.Query().Get("task_id")
	writeJSON(w, http.StatusOK, h.Reminders.List(f))
}

func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	if h.Reminders == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminders unavailable", nil)
		return
	}
	rem, err := h.Reminders.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeliveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handler) GetInstructions(w http.ResponseWriter, r *http.Request) {
	if h.Reminders == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminders unavailable", nil)
		return
	}
	in, err := h.Reminders.Instructions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDeliveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// Ack applies done, snooze or dismiss and returns the updated reminder.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	if h.Reminders == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminders unavailable", nil)
		return
	}
	id := chi.URLParam(r, "id")

	var req AckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	action, ok := delivery.ParseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid action", fmt.Errorf("unknown action %q", req.Action))
		return
	}

	ack := delivery.Ack{Action: action, By: strings.TrimSpace(req.By), Note: req.Note}
	if err := h.Reminders.OnAck(r.Context(), id, ack); err != nil {
		writeDeliveryError(w, err)
		return
	}
	rem, err := h.Reminders.Get(id)
	if err != nil {
		writeDeliveryError(w, err)
		return
	}
	h.log().Info("ack accepted",
		logx.String("reminder_id", id),
		logx.String("action", string(action)),
		logx.String("status", string(rem.Status)),
	)
	writeJSON(w, http.StatusOK, rem)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.Schedule == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Schedule.Snapshot())
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Notifications.Snapshot())
}

// TaskOccurrences expands one task over [from, to). Bounds take RFC 3339
// instants or YYYY-MM-DD dates read in the task's zone; the default window
// is the next seven days.
func (h *Handler) TaskOccurrences(w http.ResponseWriter, r *http.Request) {
	if h.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "Tasks unavailable", nil)
		return
	}
	id := chi.URLParam(r, "id")
	t, ok, err := h.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found", nil)
		return
	}
	loc := h.location(t)

	q := r.URL.Query()
	from := h.now()
	if s := q.Get("from"); s != "" {
		if from, err = parseBound(s, loc, false); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from", err)
			return
		}
	}
	to := from.AddDate(0, 0, 7)
	if s := q.Get("to"); s != "" {
		if to, err = parseBound(s, loc, true); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to", err)
			return
		}
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "Invalid window", errors.New("from must be before to"))
		return
	}
	limit := maxOccurrences
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(n, maxOccurrences)
	}

	out := []OccurrenceResponse{}
	for at := range recurrence.Expand(t.Rule, loc, from, to) {
		occ := scheduler.Occurrence{TaskID: t.ID, ScheduledAt: at}
		out = append(out, OccurrenceResponse{
			TaskID:     t.ID,
			At:         at.UTC(),
			Local:      at.In(loc).Format("2006-01-02 15:04 MST"),
			ReminderID: delivery.ReminderID(occ),
		})
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Calendar exports upcoming occurrences of every active task as iCalendar.
// Event UIDs are the reminder ids, so re-imports update rather than duplicate.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	if h.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "Tasks unavailable", nil)
		return
	}
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxCalendarDays {
			writeError(w, http.StatusBadRequest, "Invalid days", fmt.Errorf("days must be 1..%d", maxCalendarDays))
			return
		}
		days = n
	}
	tasks, err := h.Tasks.ListActiveTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}

	now := h.now()
	to := now.AddDate(0, 0, days)
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//eldercare//reminders//EN")
	for _, t := range tasks {
		loc := h.location(t)
		for at := range recurrence.Expand(t.Rule, loc, now, to) {
			occ := scheduler.Occurrence{TaskID: t.ID, ScheduledAt: at}
			ev := cal.AddEvent(delivery.ReminderID(occ))
			ev.SetDtStampTime(now.UTC())
			ev.SetStartAt(at.UTC())
			ev.SetEndAt(at.Add(calendarEventLen).UTC())
			ev.SetSummary(eventSummary(t))
			if desc := strings.TrimSpace(t.Instructions); desc != "" {
				ev.SetDescription(desc)
			}
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cal.Serialize()))
}

func eventSummary(t tasksource.Task) string {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = t.ID
	}
	if elder := strings.TrimSpace(t.ElderName); elder != "" {
		return elder + ": " + name
	}
	return name
}

// parseBound reads an RFC 3339 instant or a date in loc. A date used as the
// end of a window covers that whole day.
func parseBound(s string, loc *time.Location, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := recurrence.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	start, next := recurrence.DayWindow(d, d, loc)
	if end {
		return next, nil
	}
	return start, nil
}

func writeDeliveryError(w http.ResponseWriter, err error) {
	var te *delivery.TransitionError
	switch {
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, "Invalid transition", err)
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "Reminder not found", err)
	case errors.Is(err, delivery.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "Engine stopping", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Request cancelled", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
