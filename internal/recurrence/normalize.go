package recurrence

import (
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeSingle    Mode = "single"
	ModeRecurring Mode = "recurring"
)

// Selection is the raw schedule a caregiver picked. Interval and DayOfMonth
// are pointers so that "not given" (defaulted) differs from an explicit 0
// (rejected).
type Selection struct {
	Mode       Mode     `json:"mode,omitempty"`
	Date       string   `json:"date,omitempty"`
	Time       string   `json:"time,omitempty"`
	Frequency  string   `json:"frequency,omitempty"`
	Interval   *int     `json:"interval,omitempty"`
	Weekdays   []string `json:"weekdays,omitempty"`
	DayOfMonth *int     `json:"day_of_month,omitempty"`
	Start      string   `json:"start,omitempty"`
	Until      string   `json:"until,omitempty"`
}

// Normalize validates sel and returns its canonical Rule. today is the
// current date in the elder's timezone; it anchors rules without a start
// date and picks the default weekday for weekly rules.
func Normalize(sel Selection, today Date) (Rule, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(sel.Mode))))
	if mode == "" {
		mode = ModeRecurring
	}

	tod, err := ParseTimeOfDay(sel.Time)
	if err != nil {
		return Rule{}, fieldErr("time", ErrIncompleteSelection, sel.Time)
	}

	switch mode {
	case ModeSingle:
		if strings.TrimSpace(sel.Date) == "" {
			return Rule{}, fieldErr("date", ErrIncompleteSelection, "")
		}
		d, err := ParseDate(sel.Date)
		if err != nil {
			return Rule{}, fieldErr("date", ErrIncompleteSelection, sel.Date)
		}
		return Rule{Kind: KindSingle, Date: d, Time: tod}, nil
	case ModeRecurring:
	default:
		return Rule{}, fieldErr("mode", ErrIncompleteSelection, string(sel.Mode))
	}

	freq, ok := ParseFrequency(sel.Frequency)
	if !ok {
		return Rule{}, fieldErr("frequency", ErrIncompleteSelection, sel.Frequency)
	}

	r := Rule{Kind: KindRecurring, Time: tod, Frequency: freq, Interval: 1, Date: today}
	if sel.Interval != nil {
		if *sel.Interval <= 0 {
			return Rule{}, fieldErr("interval", ErrInvalidInterval, strconv.Itoa(*sel.Interval))
		}
		r.Interval = *sel.Interval
	}
	if s := strings.TrimSpace(sel.Start); s != "" {
		if r.Date, err = ParseDate(s); err != nil {
			return Rule{}, fieldErr("start", ErrIncompleteSelection, s)
		}
	}
	if r.Date.IsZero() {
		return Rule{}, fieldErr("start", ErrIncompleteSelection, "")
	}

	switch freq {
	case Weekly:
		for _, tok := range sel.Weekdays {
			wd, ok := ParseWeekday(tok)
			if !ok {
				return Rule{}, fieldErr("weekdays", ErrIncompleteSelection, tok)
			}
			r.Weekdays = append(r.Weekdays, wd)
		}
		if len(r.Weekdays) == 0 {
			r.Weekdays = []time.Weekday{today.Weekday()}
		}
		r.Weekdays = normalizeWeekdays(r.Weekdays)
	case Monthly:
		r.DayOfMonth = 1
		if sel.DayOfMonth != nil {
			if *sel.DayOfMonth < 1 || *sel.DayOfMonth > 31 {
				return Rule{}, fieldErr("day_of_month", ErrInvalidDayOfMonth, strconv.Itoa(*sel.DayOfMonth))
			}
			r.DayOfMonth = *sel.DayOfMonth
		}
	}

	if s := strings.TrimSpace(sel.Until); s != "" {
		if r.Until, err = ParseDate(s); err != nil {
			return Rule{}, fieldErr("until", ErrIncompleteSelection, s)
		}
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// ParseWeekday accepts English names and abbreviations ("mon", "Monday")
// and RFC 5545 codes ("MO").
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 2 {
		return 0, false
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if strings.HasPrefix(name, s) {
			return wd, true
		}
	}
	return 0, false
}
