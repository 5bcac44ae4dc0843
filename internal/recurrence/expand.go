package recurrence

import (
	"iter"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxScan bounds the wall-clock candidates one expansion may visit,
// including those skipped before the window starts.
const MaxScan = 100000

// scanPad widens the wall-clock scan so occurrences whose zone offset moves
// them across a window edge are still considered.
const scanPad = 48 * time.Hour

// Expand yields the occurrence instants of r in [from, to), strictly
// increasing, resolved in loc. The sequence is lazy and restartable; an
// invalid rule or an empty window yields nothing.
//
// Periods are phased from the rule's own anchor, never from the window, so
// expanding [a, b) then [b, c) yields exactly what [a, c) yields.
func Expand(r Rule, loc *time.Location, from, to time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if loc == nil {
			loc = time.UTC
		}
		if !from.Before(to) || r.Validate() != nil {
			return
		}

		if r.Kind == KindSingle {
			at := Resolve(r.Date, r.Time, loc)
			if !at.Before(from) && at.Before(to) {
				yield(at)
			}
			return
		}

		rr, err := rrule.NewRRule(r.options())
		if err != nil {
			return
		}
		lo := floating(from.In(loc)).Add(-scanPad)
		hi := floating(to.In(loc)).Add(scanPad)
		next := rr.Iterator()
		for range MaxScan {
			w, ok := next()
			if !ok || w.After(hi) {
				return
			}
			if w.Before(lo) {
				continue
			}
			at := Resolve(DateOf(w), TimeOfDay{Hour: w.Hour(), Minute: w.Minute()}, loc)
			if at.Before(from) {
				continue
			}
			if !at.Before(to) {
				return
			}
			if !yield(at) {
				return
			}
		}
	}
}

// Between collects Expand into a slice.
func Between(r Rule, loc *time.Location, from, to time.Time) []time.Time {
	var out []time.Time
	for at := range Expand(r, loc, from, to) {
		out = append(out, at)
	}
	return out
}

// First returns the first occurrence of r, or false for an invalid rule.
func First(r Rule, loc *time.Location) (time.Time, bool) {
	if r.Validate() != nil {
		return time.Time{}, false
	}
	w, ok := r.firstWall()
	if !ok {
		return time.Time{}, false
	}
	return Resolve(DateOf(w), TimeOfDay{Hour: w.Hour(), Minute: w.Minute()}, loc), true
}

// Next returns the first occurrence strictly after t, searching up to horizon ahead.
func Next(r Rule, loc *time.Location, t time.Time, horizon time.Duration) (time.Time, bool) {
	for at := range Expand(r, loc, t.Add(time.Nanosecond), t.Add(horizon)) {
		return at, true
	}
	return time.Time{}, false
}
