package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eldercare/internal/config"
	"eldercare/internal/delivery"
	"eldercare/internal/notifier"
	"eldercare/internal/recurrence"
	"eldercare/internal/scheduler"
	"eldercare/internal/storage"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

var t0 = time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)

type okNotifier struct{}

func (okNotifier) SendToElder(context.Context, delivery.Reminder) error { return nil }
func (okNotifier) NotifyCaregiver(context.Context, string, delivery.Reason, delivery.Reminder) error {
	return nil
}

type stubSchedule struct{ snap scheduler.Snapshot }

func (s stubSchedule) Snapshot() scheduler.Snapshot { return s.snap }

type stubHistory struct{ items []notifier.HistoryItem }

func (s stubHistory) Snapshot() []notifier.HistoryItem { return s.items }

type fixture struct {
	mgr    *delivery.Manager
	router http.Handler
}

func dailyTask(t *testing.T) tasksource.Task {
	t.Helper()
	rule, err := recurrence.Normalize(recurrence.Selection{
		Frequency: "daily",
		Time:      "09:00",
		Start:     "2024-01-01",
	}, recurrence.Date{Year: 2024, Month: time.January, Day: 1})
	require.NoError(t, err)
	return tasksource.Task{
		ID:           "meds",
		ElderName:    "Ana",
		Name:         "Morning pills",
		Instructions: "Two tablets with water.",
		Timezone:     "UTC",
		Rule:         rule,
		Active:       true,
	}
}

func newFixture(t *testing.T, cfg config.API) *fixture {
	t.Helper()
	tasks := tasksource.NewMemory(dailyTask(t))
	clk := clockwork.NewFakeClockAt(t0)
	mgr := delivery.New(delivery.DefaultConfig(), okNotifier{}, storage.NewMemory(), logx.Nop(), nil,
		delivery.WithClock(clk),
		delivery.WithTaskLookup(tasks.Get),
	)
	t.Cleanup(func() { mgr.Stop(context.Background()) })

	h := &Handler{
		Reminders: mgr,
		Schedule: stubSchedule{snap: scheduler.Snapshot{
			Started: true,
			Horizon: 24 * time.Hour,
			Tasks:   []scheduler.TaskInfo{{TaskID: "meds", State: scheduler.StateHorizonLoaded, Pending: 1}},
		}},
		Tasks:           tasks,
		Notifications:   stubHistory{items: []notifier.HistoryItem{{Channel: notifier.ChannelPush, ReminderID: "r-1"}}},
		DefaultLocation: time.UTC,
		Now:             clk.Now,
	}
	return &fixture{mgr: mgr, router: NewRouter(h, cfg)}
}

func (f *fixture) due(t *testing.T, at time.Time) string {
	t.Helper()
	occ := scheduler.Occurrence{TaskID: "meds", ScheduledAt: at}
	require.NoError(t, f.mgr.OnDue(context.Background(), occ))
	return delivery.ReminderID(occ)
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.API{})
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestAckLifecycle(t *testing.T) {
	f := newFixture(t, config.API{})
	id := f.due(t, t0)

	rec := f.do(http.MethodGet, "/reminders/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, delivery.StatusSent, decode[delivery.Reminder](t, rec).Status)

	rec = f.do(http.MethodPost, "/reminders/"+id+"/ack", `{"action":"done","by":"ana"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[delivery.Reminder](t, rec)
	assert.Equal(t, delivery.StatusDone, got.Status)
	assert.Equal(t, "ana", got.ConfirmedBy)
	assert.True(t, got.ConfirmedAt.Equal(t0))

	rec = f.do(http.MethodPost, "/reminders/"+id+"/ack", `{"action":"snooze"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Invalid transition", decode[ErrorResponse](t, rec).Error)
}

func TestAckRejectsBadInput(t *testing.T) {
	f := newFixture(t, config.API{})
	id := f.due(t, t0)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown reminder", "/reminders/nope/ack", `{"action":"done"}`, http.StatusNotFound},
		{"malformed json", "/reminders/" + id + "/ack", `{"action":`, http.StatusBadRequest},
		{"unknown field", "/reminders/" + id + "/ack", `{"action":"done","when":"now"}`, http.StatusBadRequest},
		{"unknown action", "/reminders/" + id + "/ack", `{"action":"explode"}`, http.StatusBadRequest},
		{"empty action", "/reminders/" + id + "/ack", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	r, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, r.Status)
}

func TestListRemindersFiltersByStatus(t *testing.T) {
	f := newFixture(t, config.API{})
	first := f.due(t, t0)
	f.due(t, t0.Add(24*time.Hour))
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/reminders/"+first+"/ack", `{"action":"done"}`).Code)

	all := decode[[]delivery.Reminder](t, f.do(http.MethodGet, "/reminders", ""))
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)

	sent := decode[[]delivery.Reminder](t, f.do(http.MethodGet, "/reminders?status=sent", ""))
	require.Len(t, sent, 1)
	assert.True(t, sent[0].ScheduledAt.Equal(t0.Add(24*time.Hour)))

	assert.Len(t, decode[[]delivery.Reminder](t, f.do(http.MethodGet, "/reminders?status=done&task_id=meds", "")), 1)
	assert.Empty(t, decode[[]delivery.Reminder](t, f.do(http.MethodGet, "/reminders?task_id=other", "")))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/reminders?status=lost", "").Code)
}

func TestInstructions(t *testing.T) {
	f := newFixture(t, config.API{})
	id := f.due(t, t0)

	rec := f.do(http.MethodGet, "/reminders/"+id+"/instructions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	in := decode[delivery.Instructions](t, rec)
	assert.Equal(t, "Two tablets with water.", in.Instructions)
	assert.Equal(t, "meds", in.TaskID)

	// Reading instructions does not acknowledge.
	r, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, r.Status)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/reminders/nope/instructions", "").Code)
}

func TestTaskOccurrences(t *testing.T) {
	f := newFixture(t, config.API{})

	// A date-only "to" includes that day.
	rec := f.do(http.MethodGet, "/tasks/meds/occurrences?from=2024-01-01&to=2024-01-04", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	occ := decode[[]OccurrenceResponse](t, rec)
	require.Len(t, occ, 4)
	assert.True(t, occ[0].At.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-01-04 09:00 UTC", occ[3].Local)

	// An instant "to" stays exclusive.
	occ = decode[[]OccurrenceResponse](t, f.do(http.MethodGet, "/tasks/meds/occurrences?from=2024-01-01&to=2024-01-04T09:00:00Z", ""))
	require.Len(t, occ, 3)

	occ = decode[[]OccurrenceResponse](t, f.do(http.MethodGet, "/tasks/meds/occurrences?from=2024-01-02&to=2024-01-02", ""))
	require.Len(t, occ, 1)
	assert.Equal(t, delivery.ReminderID(scheduler.Occurrence{TaskID: "meds", ScheduledAt: occ[0].At}), occ[0].ReminderID)

	// Defaults to the next seven days from now, which includes now.
	occ = decode[[]OccurrenceResponse](t, f.do(http.MethodGet, "/tasks/meds/occurrences", ""))
	require.Len(t, occ, 7)
	assert.True(t, occ[0].At.Equal(t0))

	occ = decode[[]OccurrenceResponse](t, f.do(http.MethodGet, "/tasks/meds/occurrences?from=2024-01-01T00:00:00Z&limit=2", ""))
	assert.Len(t, occ, 2)

	tests := []struct {
		path string
		want int
	}{
		{"/tasks/ghost/occurrences", http.StatusNotFound},
		{"/tasks/meds/occurrences?from=yesterday", http.StatusBadRequest},
		{"/tasks/meds/occurrences?from=2024-01-05&to=2024-01-01", http.StatusBadRequest},
		{"/tasks/meds/occurrences?limit=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.do(http.MethodGet, tt.path, "").Code, tt.path)
	}
}

func TestCalendarExport(t *testing.T) {
	f := newFixture(t, config.API{})

	rec := f.do(http.MethodGet, "/calendar.ics?days=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "METHOD:PUBLISH")
	assert.Equal(t, 2, strings.Count(body, "BEGIN:VEVENT"))
	assert.Contains(t, body, "SUMMARY:Ana: Morning pills")
	assert.Contains(t, body, "UID:"+delivery.ReminderID(scheduler.Occurrence{TaskID: "meds", ScheduledAt: t0}))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/calendar.ics?days=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/calendar.ics?days=365", "").Code)
}

func TestReadOnlyViews(t *testing.T) {
	f := newFixture(t, config.API{})

	snap := decode[scheduler.Snapshot](t, f.do(http.MethodGet, "/schedule", ""))
	assert.True(t, snap.Started)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, scheduler.StateHorizonLoaded, snap.Tasks[0].State)

	hist := decode[[]notifier.HistoryItem](t, f.do(http.MethodGet, "/notifications", ""))
	require.Len(t, hist, 1)
	assert.Equal(t, notifier.ChannelPush, hist[0].Channel)
}

func TestMissingDependencies(t *testing.T) {
	router := NewRouter(&Handler{}, config.API{})
	for _, path := range []string{"/reminders", "/schedule", "/notifications", "/calendar.ics", "/tasks/meds/occurrences"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestCORSAndProfiler(t *testing.T) {
	f := newFixture(t, config.API{CORSOrigins: []string{"https://care.example.org"}, Pprof: true})

	req := httptest.NewRequest(http.MethodOptions, "/reminders", nil)
	req.Header.Set("Origin", "https://care.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "https://care.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/debug/pprof/", "").Code)

	plain := newFixture(t, config.API{})
	assert.Equal(t, http.StatusNotFound, plain.do(http.MethodGet, "/debug/pprof/", "").Code)
}
