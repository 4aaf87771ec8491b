package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// offsetSchedule delays only the first activation of an interval schedule.
type offsetSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// spreadInterval returns an @every schedule whose first run is shifted by a
// per-name offset below min(every, maxStartupSpread). The offset is stable for
// a name, so restarts and reloads keep the same phase.
func spreadInterval(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	// Whole seconds: cron drops sub-second parts when computing the next run.
	secs := uint64(min(every, maxStartupSpread) / time.Second)
	if secs == 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64()%secs) * time.Second
	return &offsetSchedule{every: base, first: now.Add(every + offset)}, offset
}
