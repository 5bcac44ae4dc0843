package recurrence

import (
	"slices"
	"testing"
	"time"
	_ "time/tzdata"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func mustNormalize(t *testing.T, sel Selection) Rule {
	t.Helper()
	r, err := Normalize(sel, testToday)
	if err != nil {
		t.Fatalf("Normalize(%+v): %v", sel, err)
	}
	return r
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestExpandWeeklyTwoWeeks(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{
		Frequency: "weekly",
		Time:      "09:00",
		Weekdays:  []string{"mon", "wed"},
		Start:     "2024-01-01",
	})
	got := Between(r, time.UTC, utc(2024, 1, 1, 0, 0), utc(2024, 1, 15, 0, 0))
	want := []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 3, 9, 0),
		utc(2024, 1, 8, 9, 0),
		utc(2024, 1, 10, 9, 0),
	}
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
}

func TestExpandWeeklyThroughLastDate(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{
		Frequency: "weekly",
		Time:      "09:00",
		Weekdays:  []string{"mon", "wed"},
		Start:     "2024-01-01",
	})
	lisbon := mustLoc(t, "Europe/Lisbon")
	from, to := DayWindow(Date{2024, time.January, 1}, Date{2024, time.January, 15}, lisbon)
	got := Between(r, lisbon, from, to)
	var days []string
	for _, at := range got {
		days = append(days, at.In(lisbon).Format("2006-01-02 15:04"))
	}
	want := []string{
		"2024-01-01 09:00",
		"2024-01-03 09:00",
		"2024-01-08 09:00",
		"2024-01-10 09:00",
		"2024-01-15 09:00",
	}
	if !slices.Equal(days, want) {
		t.Fatalf("occurrences = %v, want %v", days, want)
	}
}

func TestExpandWeeklyIntervalTwo(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{
		Frequency: "weekly",
		Time:      "09:00",
		Weekdays:  []string{"mon"},
		Interval:  intp(2),
		Start:     "2024-01-01",
	})
	got := Between(r, time.UTC, utc(2024, 1, 1, 0, 0), utc(2024, 2, 1, 0, 0))
	want := []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 15, 9, 0),
		utc(2024, 1, 29, 9, 0),
	}
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{
		Frequency:  "monthly",
		Time:       "08:00",
		DayOfMonth: intp(31),
		Start:      "2024-01-01",
	})
	got := Between(r, time.UTC, utc(2024, 1, 1, 0, 0), utc(2024, 7, 1, 0, 0))
	want := []time.Time{
		utc(2024, 1, 31, 8, 0),
		utc(2024, 3, 31, 8, 0),
		utc(2024, 5, 31, 8, 0),
	}
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
}

func TestExpandUntilInclusive(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{
		Frequency: "daily",
		Time:      "09:00",
		Start:     "2024-01-01",
		Until:     "2024-01-05",
	})
	got := Between(r, time.UTC, utc(2023, 12, 1, 0, 0), utc(2024, 3, 1, 0, 0))
	if len(got) != 5 {
		t.Fatalf("got %d occurrences, want 5: %v", len(got), got)
	}
	if last := got[len(got)-1]; !last.Equal(utc(2024, 1, 5, 9, 0)) {
		t.Fatalf("last = %v, want 2024-01-05 09:00", last)
	}
}

func TestExpandSingle(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{Mode: ModeSingle, Date: "2024-02-10", Time: "08:15"})
	at := utc(2024, 2, 10, 8, 15)

	if got := Between(r, time.UTC, utc(2024, 2, 1, 0, 0), utc(2024, 3, 1, 0, 0)); len(got) != 1 || !got[0].Equal(at) {
		t.Fatalf("inside window = %v", got)
	}
	if got := Between(r, time.UTC, at, at.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("window start is inclusive, got %v", got)
	}
	if got := Between(r, time.UTC, utc(2024, 1, 1, 0, 0), at); len(got) != 0 {
		t.Fatalf("window end is exclusive, got %v", got)
	}
}

func TestExpandEmptyAndInvalid(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{Frequency: "daily", Time: "09:00", Start: "2024-01-01"})
	at := utc(2024, 1, 10, 0, 0)
	if got := Between(r, time.UTC, at, at); len(got) != 0 {
		t.Fatalf("empty window yielded %v", got)
	}
	if got := Between(r, time.UTC, at, at.Add(-time.Hour)); len(got) != 0 {
		t.Fatalf("reversed window yielded %v", got)
	}
	if got := Between(Rule{}, time.UTC, utc(2024, 1, 1, 0, 0), utc(2025, 1, 1, 0, 0)); len(got) != 0 {
		t.Fatalf("zero rule yielded %v", got)
	}
	if got := Between(r, time.UTC, utc(2023, 1, 1, 0, 0), utc(2023, 12, 31, 0, 0)); len(got) != 0 {
		t.Fatalf("window before anchor yielded %v", got)
	}
}

func TestExpandRestartableAndStoppable(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{Frequency: "daily", Time: "09:00", Start: "2024-01-01"})
	seq := Expand(r, time.UTC, utc(2024, 1, 1, 0, 0), utc(2024, 2, 1, 0, 0))

	var first, second []time.Time
	for at := range seq {
		first = append(first, at)
	}
	for at := range seq {
		second = append(second, at)
	}
	if len(first) != 31 || !slices.EqualFunc(first, second, time.Time.Equal) {
		t.Fatalf("restart mismatch: %d vs %d", len(first), len(second))
	}

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("early stop consumed %d", n)
	}
}

func TestExpandWindowConcatenation(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	rules := []Rule{
		mustNormalize(t, Selection{Frequency: "weekly", Time: "02:30", Weekdays: []string{"mon", "sun"}, Interval: intp(2), Start: "2024-01-01"}),
		mustNormalize(t, Selection{Frequency: "daily", Time: "01:30", Interval: intp(3), Start: "2024-01-02"}),
		mustNormalize(t, Selection{Frequency: "monthly", Time: "23:59", DayOfMonth: intp(30), Start: "2024-01-01"}),
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, ny)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, ny)
	cuts := []time.Time{
		time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC),
		time.Date(2024, 6, 17, 13, 0, 0, 0, time.UTC),
		time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC),
		time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC),
	}

	for _, r := range rules {
		whole := Between(r, ny, from, to)
		if len(whole) == 0 {
			t.Fatalf("%s: no occurrences", r.Describe())
		}
		for i := 1; i < len(whole); i++ {
			if !whole[i].After(whole[i-1]) {
				t.Fatalf("%s: not strictly increasing at %d: %v then %v", r.Describe(), i, whole[i-1], whole[i])
			}
		}

		var joined []time.Time
		prev := from
		for _, c := range append(cuts, to) {
			joined = append(joined, Between(r, ny, prev, c)...)
			prev = c
		}
		if !slices.EqualFunc(whole, joined, time.Time.Equal) {
			t.Fatalf("%s: split windows differ: %d vs %d occurrences", r.Describe(), len(whole), len(joined))
		}
	}
}

func TestExpandAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	gap := mustNormalize(t, Selection{Frequency: "daily", Time: "02:30", Start: "2024-03-09"})
	got := Between(gap, ny, utc(2024, 3, 9, 0, 0), utc(2024, 3, 12, 0, 0))
	want := []time.Time{
		utc(2024, 3, 9, 7, 30),  // 02:30 EST
		utc(2024, 3, 10, 7, 30), // 02:30 does not exist; 03:30 EDT
		utc(2024, 3, 11, 6, 30), // 02:30 EDT
	}
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("spring forward = %v, want %v", got, want)
	}

	overlap := mustNormalize(t, Selection{Frequency: "daily", Time: "01:30", Start: "2024-11-02"})
	got = Between(overlap, ny, utc(2024, 11, 2, 0, 0), utc(2024, 11, 5, 0, 0))
	want = []time.Time{
		utc(2024, 11, 2, 5, 30), // EDT
		utc(2024, 11, 3, 5, 30), // ambiguous; earlier (EDT) instant
		utc(2024, 11, 4, 6, 30), // EST
	}
	if !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("fall back = %v, want %v", got, want)
	}
}

func TestFirstAndNext(t *testing.T) {
	t.Parallel()
	r := mustNormalize(t, Selection{Frequency: "weekly", Time: "09:00", Weekdays: []string{"fri"}, Start: "2024-01-01"})

	first, ok := First(r, time.UTC)
	if !ok || !first.Equal(utc(2024, 1, 5, 9, 0)) {
		t.Fatalf("First = %v,%v", first, ok)
	}

	next, ok := Next(r, time.UTC, first, 30*24*time.Hour)
	if !ok || !next.Equal(utc(2024, 1, 12, 9, 0)) {
		t.Fatalf("Next = %v,%v", next, ok)
	}

	if _, ok := Next(r, time.UTC, first, 24*time.Hour); ok {
		t.Fatalf("Next inside a one-day horizon should find nothing")
	}
}
