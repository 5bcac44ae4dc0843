package recurrence

import "time"

// transitionSpan covers any UTC offset (±14h) plus a full day, so the zone
// offsets sampled on either side bracket a transition affecting the wall time.
const transitionSpan = 26 * time.Hour

// Resolve maps a wall-clock date and time in loc to an absolute instant.
//
// Ambiguous times (fall-back overlap) resolve to the earlier instant.
// Nonexistent times (spring-forward gap) keep the pre-transition offset,
// which moves them forward by the gap length: 02:30 on a 02:00->03:00 day
// becomes 03:30.
func Resolve(d Date, tod TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	wall := d.At(tod)
	_, before := wall.Add(-transitionSpan).In(loc).Zone()
	_, after := wall.Add(transitionSpan).In(loc).Zone()

	var best time.Time
	for _, off := range [2]int{before, after} {
		cand := wall.Add(-time.Duration(off) * time.Second)
		if !sameWall(cand.In(loc), wall) {
			continue
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	if !best.IsZero() {
		return best.In(loc)
	}
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

func sameWall(t, wall time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := wall.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 && t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}
