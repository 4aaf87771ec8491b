package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"halftimebot/internal/task/engine"
	logx "halftimebot/pkg/logx"
)

var defaultOpts = TaskOptions{Overlap: OverlapSkipIfRunning}

// AddSchedule registers a task from any form ParseSchedule accepts.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, defaultOpts, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if ps.Kind == SpecInterval {
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	}
	return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddCronOpt(name, spec, timeout, defaultOpts, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron %q: %w", spec, err)
	}
	return s.addRecurring(&recurring{name: name, spec: spec, timeout: timeout, opt: opt, job: job})
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, defaultOpts, job)
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.addRecurring(&recurring{name: name, spec: "@every " + every.String(), timeout: timeout, opt: opt, job: job})
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job Job) (string, error) {
	ps, err := parseDaily(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCronOpt(name, ps.Cron, timeout, defaultOpts, job)
}

// addRecurring upserts r by name, so a reload never duplicates a schedule.
// Any one-shot under the same name is dropped.
func (s *Service) addRecurring(r *recurring) (string, error) {
	r.name = strings.TrimSpace(r.name)
	if r.name == "" {
		return "", errors.New("name required")
	}
	if r.job == nil {
		return "", errors.New("job required")
	}
	r.id = uuid.NewString()
	r.state = &engine.RunState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRecurringLocked(r.name)
	s.dropOneShot(r.name)
	s.recurring = append(s.recurring, r)
	if s.cron == nil {
		return r.name, nil
	}
	if err := s.registerLocked(r); err != nil {
		s.log.Error("schedule register failed", logx.String("name", r.name), logx.String("spec", r.spec), logx.Err(err))
		return r.name, err
	}
	fields := []logx.Field{logx.String("name", r.name), logx.String("spec", r.spec), logx.Duration("timeout", r.timeout)}
	if s.log.Enabled(logx.LevelDebug) {
		fields = append(fields, logx.String("next", s.upcoming(r.entry, 3)))
	}
	s.log.Debug("schedule registered", fields...)
	return r.name, nil
}

// registerLocked adds r to the live cron. Interval schedules get a stable
// per-name first-run offset so they don't all fire together.
func (s *Service) registerLocked(r *recurring) error {
	run := cron.FuncJob(func() { s.submit(r.name, r.timeout, r.opt, r.state, r.job, false) })
	r.spread = 0
	if every, ok := intervalOf(r.spec); ok {
		var sched cron.Schedule
		sched, r.spread = spreadInterval(r.name, every, time.Now().In(s.loc))
		r.entry = s.cron.Schedule(sched, run)
		return nil
	}
	id, err := s.cron.AddJob(r.spec, run)
	if err != nil {
		return err
	}
	r.entry = id
	return nil
}

func intervalOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	return d, err == nil && d > 0
}

// upcoming formats the next n activations of a registered entry.
func (s *Service) upcoming(id cron.EntryID, n int) string {
	sched := s.cron.Entry(id).Schedule
	if sched == nil {
		return ""
	}
	times := make([]string, 0, n)
	t := time.Now().In(s.loc)
	for len(times) < n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		times = append(times, t.Format(time.DateTime))
	}
	return strings.Join(times, ", ")
}

// AddOnce arms a one-shot trigger at the given instant with default task options.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	return s.AddOnceOpt(name, at, timeout, TaskOptions{Overlap: OverlapAllow}, job)
}

// AddOnceOpt upserts a keyed one-shot trigger. Replacing a key stops its
// timer, and a callback that already started for the old definition is
// discarded, so at most one job per key ever reaches the engine. A past at
// fires immediately.
func (s *Service) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("name required")
	case at.IsZero():
		return "", errors.New("at required")
	case job == nil:
		return "", errors.New("job required")
	}

	s.mu.Lock()
	s.dropRecurringLocked(name)
	running := s.cron != nil
	s.mu.Unlock()

	s.omu.Lock()
	defer s.omu.Unlock()
	if old := s.pending[name]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	s.gen++
	o := &oneShot{at: at, timeout: timeout, job: job, opt: opt, gen: s.gen}
	s.pending[name] = o
	if running {
		s.armLocked(name, o)
	}
	return name, nil
}

// armLocked starts o's timer. Call with omu held.
func (s *Service) armLocked(name string, o *oneShot) {
	if o.timer != nil {
		o.timer.Stop()
	}
	gen := o.gen
	o.timer = time.AfterFunc(max(time.Until(o.at), 0), func() { s.fire(name, gen) })
}

func (s *Service) fire(name string, gen uint64) {
	s.omu.Lock()
	o := s.pending[name]
	if o == nil || o.gen != gen {
		s.omu.Unlock()
		return
	}
	// Removed before running so a Stop/Start cannot re-arm it.
	delete(s.pending, name)
	s.fired++
	s.omu.Unlock()

	s.submit(name, o.timeout, o.opt, &engine.RunState{}, o.job, true)
}

// Remove unschedules everything registered under name and reports whether
// anything was there.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.dropRecurringLocked(name)
	s.mu.Unlock()
	if s.dropOneShot(name) {
		removed = true
	}
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) dropOneShot(name string) bool {
	s.omu.Lock()
	defer s.omu.Unlock()
	o, ok := s.pending[name]
	if !ok {
		return false
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(s.pending, name)
	return true
}

// dropRecurringLocked unregisters every recurring definition named name.
func (s *Service) dropRecurringLocked(name string) bool {
	kept := s.recurring[:0]
	for _, r := range s.recurring {
		if r.name != name {
			kept = append(kept, r)
			continue
		}
		if s.cron != nil && r.entry != 0 {
			s.cron.Remove(r.entry)
		}
	}
	removed := len(kept) != len(s.recurring)
	clear(s.recurring[len(kept):])
	s.recurring = kept
	return removed
}

// NextRun reports the next activation of a cron spec after from, in the
// scheduler timezone.
func (s *Service) NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(s.Location())), nil
}

func parseHHMM(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	if hour, err = strconv.Atoi(hh); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if minute, err = strconv.Atoi(mm); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
