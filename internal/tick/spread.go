package tick

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first run time of base, then delegates.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// WithSpread returns an every-interval schedule whose first run is delayed by
// a random jitter in [0, min(every, 30s)), keyed by tag, so jobs started
// together do not fire in lockstep.
func WithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(h.Sum64())
	// Whole seconds: cron.Every drops sub-second offsets on later runs.
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax))).Truncate(time.Second)
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
