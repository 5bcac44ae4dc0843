package recurrence

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

type Kind uint8

const (
	KindSingle Kind = iota + 1
	KindRecurring
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindRecurring:
		return "recurring"
	default:
		return "unknown"
	}
}

type Frequency uint8

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return ""
	}
}

// ParseFrequency accepts the selection names and the RFC 5545 FREQ values.
func ParseFrequency(s string) (Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day":
		return Daily, true
	case "weekly", "week":
		return Weekly, true
	case "monthly", "month":
		return Monthly, true
	default:
		return 0, false
	}
}

// Rule is the canonical, immutable recurrence description of a task.
//
// For single rules Date is the one occurrence date. For recurring rules Date
// is the anchor: the first period starts there and interval stepping is phased
// from it. Until, when set, is inclusive and the rule's time of day applies on
// that day.
type Rule struct {
	Kind       Kind
	Date       Date
	Time       TimeOfDay
	Frequency  Frequency
	Interval   int
	Weekdays   []time.Weekday
	DayOfMonth int
	Until      Date
}

func (r Rule) IsZero() bool { return r.Kind == 0 }

func (r Rule) Equal(o Rule) bool {
	return r.Kind == o.Kind &&
		r.Date == o.Date &&
		r.Time == o.Time &&
		r.Frequency == o.Frequency &&
		r.Interval == o.Interval &&
		slices.Equal(r.Weekdays, o.Weekdays) &&
		r.DayOfMonth == o.DayOfMonth &&
		r.Until == o.Until
}

// Validate checks the structural invariants of r, including that Until does
// not precede the first possible occurrence.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindSingle:
		if r.Date.IsZero() {
			return fieldErr("date", ErrIncompleteSelection, "")
		}
		if !r.Time.Valid() {
			return fieldErr("time", ErrIncompleteSelection, r.Time.String())
		}
		return nil
	case KindRecurring:
	default:
		return fieldErr("mode", ErrIncompleteSelection, "")
	}

	if r.Date.IsZero() {
		return fieldErr("start", ErrIncompleteSelection, "")
	}
	if !r.Time.Valid() {
		return fieldErr("time", ErrIncompleteSelection, r.Time.String())
	}
	if r.Interval < 1 {
		return fieldErr("interval", ErrInvalidInterval, strconv.Itoa(r.Interval))
	}
	switch r.Frequency {
	case Daily:
	case Weekly:
		if len(r.Weekdays) == 0 {
			return fieldErr("weekdays", ErrIncompleteSelection, "")
		}
	case Monthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fieldErr("day_of_month", ErrInvalidDayOfMonth, strconv.Itoa(r.DayOfMonth))
		}
	default:
		return fieldErr("frequency", ErrIncompleteSelection, "")
	}

	if !r.Until.IsZero() {
		if r.Until.Before(r.Date) {
			return fieldErr("until", ErrInvalidRange, r.Until.String())
		}
		first, ok := r.firstWall()
		if !ok || DateOf(first).After(r.Until) {
			return fieldErr("until", ErrInvalidRange, r.Until.String())
		}
	}
	return nil
}

// firstWall returns the first floating occurrence, ignoring Until.
func (r Rule) firstWall() (time.Time, bool) {
	if r.Kind == KindSingle {
		return r.Date.At(r.Time), true
	}
	opt := r.options()
	opt.Until = time.Time{}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return time.Time{}, false
	}
	return rr.Iterator()()
}

// options maps r onto rrule-go in floating time (UTC carries the wall fields).
func (r Rule) options() rrule.ROption {
	opt := rrule.ROption{
		Freq:     toRRuleFreq(r.Frequency),
		Dtstart:  r.Date.At(r.Time),
		Interval: max(r.Interval, 1),
		Byhour:   []int{r.Time.Hour},
		Byminute: []int{r.Time.Minute},
		Bysecond: []int{0},
	}
	switch r.Frequency {
	case Weekly:
		opt.Byweekday = make([]rrule.Weekday, 0, len(r.Weekdays))
		for _, wd := range r.Weekdays {
			opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(wd))
		}
	case Monthly:
		opt.Bymonthday = []int{r.DayOfMonth}
	}
	if !r.Until.IsZero() {
		opt.Until = r.Until.At(r.Time)
	}
	return opt
}

const rfcLayout = "20060102T150405Z"

// String returns the RFC 5545 text form: DTSTART + RRULE for recurring rules,
// RDATE for single rules. Times are floating; the Z suffix is not UTC.
func (r Rule) String() string {
	switch r.Kind {
	case KindSingle:
		return "RDATE:" + r.Date.At(r.Time).Format(rfcLayout)
	case KindRecurring:
		return "DTSTART:" + r.Date.At(r.Time).Format(rfcLayout) + "\nRRULE:" + r.rruleBody()
	default:
		return ""
	}
}

func (r Rule) rruleBody() string {
	parts := []string{
		"FREQ=" + strings.ToUpper(r.Frequency.String()),
		"INTERVAL=" + strconv.Itoa(max(r.Interval, 1)),
	}
	switch r.Frequency {
	case Weekly:
		days := make([]string, 0, len(r.Weekdays))
		for _, wd := range r.Weekdays {
			days = append(days, weekdayCodes[wd])
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	case Monthly:
		parts = append(parts, "BYMONTHDAY="+strconv.Itoa(r.DayOfMonth))
	}
	parts = append(parts,
		"BYHOUR="+strconv.Itoa(r.Time.Hour),
		"BYMINUTE="+strconv.Itoa(r.Time.Minute),
		"BYSECOND=0",
	)
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.At(r.Time).Format(rfcLayout))
	}
	return strings.Join(parts, ";")
}

// Parse reads the text form produced by String. RRULE bodies are handed to
// rrule-go, so rules written by other RFC 5545 tools are accepted as long as
// they stay within daily, weekly and monthly frequencies.
func Parse(s string) (Rule, error) {
	var (
		dtstart, rdate time.Time
		body           string
	)
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Rule{}, fmt.Errorf("%w: malformed line %q", ErrInvalidRule, line)
		}
		// Drop parameters such as DTSTART;TZID=...
		name, _, _ = strings.Cut(strings.ToUpper(name), ";")
		var err error
		switch name {
		case "DTSTART":
			dtstart, err = parseRFCTime(value)
		case "RDATE":
			rdate, err = parseRFCTime(value)
		case "RRULE":
			body = value
		default:
			return Rule{}, fmt.Errorf("%w: unsupported property %q", ErrInvalidRule, name)
		}
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, name, err)
		}
	}

	var r Rule
	switch {
	case body != "":
		if dtstart.IsZero() {
			return Rule{}, fmt.Errorf("%w: RRULE without DTSTART", ErrInvalidRule)
		}
		opt, err := rrule.StrToROption(body)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		r, err = fromOptions(*opt, dtstart)
		if err != nil {
			return Rule{}, err
		}
	case !rdate.IsZero():
		r = Rule{
			Kind: KindSingle,
			Date: DateOf(rdate),
			Time: TimeOfDay{Hour: rdate.Hour(), Minute: rdate.Minute()},
		}
	default:
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func fromOptions(opt rrule.ROption, dtstart time.Time) (Rule, error) {
	r := Rule{
		Kind:     KindRecurring,
		Date:     DateOf(dtstart),
		Time:     TimeOfDay{Hour: dtstart.Hour(), Minute: dtstart.Minute()},
		Interval: max(opt.Interval, 1),
	}
	switch opt.Freq {
	case rrule.DAILY:
		r.Frequency = Daily
	case rrule.WEEKLY:
		r.Frequency = Weekly
		for i := range opt.Byweekday {
			r.Weekdays = append(r.Weekdays, fromRRuleWeekday(opt.Byweekday[i].Day()))
		}
		if len(r.Weekdays) == 0 {
			r.Weekdays = []time.Weekday{r.Date.Weekday()}
		}
		r.Weekdays = normalizeWeekdays(r.Weekdays)
	case rrule.MONTHLY:
		r.Frequency = Monthly
		switch len(opt.Bymonthday) {
		case 0:
			r.DayOfMonth = r.Date.Day
		case 1:
			r.DayOfMonth = opt.Bymonthday[0]
		default:
			return Rule{}, fmt.Errorf("%w: multiple BYMONTHDAY values", ErrInvalidRule)
		}
	default:
		return Rule{}, fmt.Errorf("%w: unsupported FREQ", ErrInvalidRule)
	}
	if len(opt.Byhour) == 1 {
		r.Time.Hour = opt.Byhour[0]
	}
	if len(opt.Byminute) == 1 {
		r.Time.Minute = opt.Byminute[0]
	}
	if opt.Count > 0 {
		return Rule{}, fmt.Errorf("%w: COUNT is not supported", ErrInvalidRule)
	}
	if !opt.Until.IsZero() {
		r.Until = DateOf(floating(opt.Until))
	}
	return r, nil
}

func parseRFCTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{rfcLayout, "20060102T150405", "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", v)
}

func (r Rule) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText accepts the String form. Empty text is the zero Rule.
func (r *Rule) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*r = Rule{}
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Describe renders r as short English, e.g. "every 2 weeks on Mon, Wed at 09:00".
func (r Rule) Describe() string {
	var b strings.Builder
	switch r.Kind {
	case KindSingle:
		fmt.Fprintf(&b, "once on %s at %s", r.Date, r.Time)
		return b.String()
	case KindRecurring:
	default:
		return "invalid rule"
	}

	unit := map[Frequency]string{Daily: "day", Weekly: "week", Monthly: "month"}[r.Frequency]
	if r.Interval <= 1 {
		b.WriteString(r.Frequency.String())
	} else {
		fmt.Fprintf(&b, "every %d %ss", r.Interval, unit)
	}
	switch r.Frequency {
	case Weekly:
		names := make([]string, 0, len(r.Weekdays))
		for _, wd := range r.Weekdays {
			names = append(names, wd.String()[:3])
		}
		b.WriteString(" on " + strings.Join(names, ", "))
	case Monthly:
		fmt.Fprintf(&b, " on day %d", r.DayOfMonth)
	}
	fmt.Fprintf(&b, " at %s from %s", r.Time, r.Date)
	if !r.Until.IsZero() {
		fmt.Fprintf(&b, " until %s", r.Until)
	}
	return b.String()
}

var weekdayCodes = [...]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

func toRRuleWeekday(wd time.Weekday) rrule.Weekday {
	return [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}[wd]
}

// fromRRuleWeekday maps rrule-go's Monday-based index onto time.Weekday.
func fromRRuleWeekday(day int) time.Weekday {
	return time.Weekday((day + 1) % 7)
}

func toRRuleFreq(f Frequency) rrule.Frequency {
	switch f {
	case Weekly:
		return rrule.WEEKLY
	case Monthly:
		return rrule.MONTHLY
	default:
		return rrule.DAILY
	}
}

func normalizeWeekdays(in []time.Weekday) []time.Weekday {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
