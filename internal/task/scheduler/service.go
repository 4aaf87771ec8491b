package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"halftimebot/internal/eventbus"
	"halftimebot/internal/task/engine"
	logx "halftimebot/pkg/logx"
)

// enqueueWarnEvery bounds how often one trigger name may log an enqueue failure.
const enqueueWarnEvery = 5 * time.Second

// TriggerFailed is the payload of eventbus.TypeTriggerFailed.
type TriggerFailed struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		// Five-field specs, an optional leading seconds field, and @descriptors.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pending: map[string]*oneShot{},
		warn:    map[string]*rate.Sometimes{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone cron specs are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.resolveLocationLocked()
}

// Apply stores cfg. A running scheduler is rebuilt when the timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.cron == nil || !tzChanged {
		return
	}
	<-s.cron.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.recurring)))
}

// Start begins cron triggering and arms every pending one-shot.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.ctx = ctx
	s.startCronLocked()

	s.omu.Lock()
	for name, o := range s.pending {
		s.armLocked(name, o)
	}
	n := len(s.pending)
	s.omu.Unlock()

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.recurring)), logx.Int("once", n))
}

// startCronLocked builds a cron instance for the configured timezone and
// registers every recurring definition on it.
func (s *Service) startCronLocked() {
	s.loc = s.resolveLocationLocked()
	s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, r := range s.recurring {
		if err := s.registerLocked(r); err != nil {
			s.log.Error("schedule register failed", logx.String("name", r.name), logx.String("spec", r.spec), logx.Err(err))
		}
	}
	s.cron.Start()
}

// Stop halts cron and disarms one-shot timers, keeping their definitions for
// the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	began := time.Now()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.omu.Lock()
	for _, o := range s.pending {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
	}
	s.omu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(began)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	snap.Schedules = make([]ScheduleInfo, 0, len(s.recurring))
	for _, r := range s.recurring {
		info := ScheduleInfo{ID: r.id, Name: r.name, Spec: r.spec, Timeout: r.timeout, Spread: r.spread, Running: r.state.Busy()}
		if s.cron != nil && r.entry != 0 {
			e := s.cron.Entry(r.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	eng := s.engine
	s.mu.Unlock()

	snap.Once = s.Pending()
	s.omu.Lock()
	snap.OnceFired = s.fired
	s.omu.Unlock()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

// Pending lists unfired one-shot triggers, soonest first.
func (s *Service) Pending() []OnceInfo {
	s.omu.Lock()
	out := make([]OnceInfo, 0, len(s.pending))
	for name, o := range s.pending {
		out = append(out, OnceInfo{Name: name, At: o.at, Timeout: o.timeout, Armed: o.timer != nil})
	}
	s.omu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Has reports whether anything is registered under name.
func (s *Service) Has(name string) bool {
	name = strings.TrimSpace(name)
	s.omu.Lock()
	_, ok := s.pending[name]
	s.omu.Unlock()
	if ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recurring {
		if r.name == name {
			return true
		}
	}
	return false
}

// submit hands a triggered job to the engine. One-shots wait for queue space
// since they never repeat; recurring triggers drop when the queue is full.
// A job the engine refuses reaches opt.OnDrop, so one-shot owners can re-arm.
func (s *Service) submit(name string, timeout time.Duration, opt TaskOptions, state *engine.RunState, job Job, wait bool) {
	s.mu.Lock()
	eng, ctx := s.engine, s.ctx
	s.mu.Unlock()
	if eng == nil {
		if opt.OnDrop != nil {
			opt.OnDrop(engine.ErrStopped)
		}
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt, State: state}
	var err error
	if wait {
		err = eng.Submit(ctx, t)
	} else {
		err = eng.Enqueue(t)
	}
	if err != nil {
		s.enqueueFailed(name, err)
	}
}

func (s *Service) enqueueFailed(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	eventbus.Publish(s.bus, eventbus.TypeTriggerFailed, TriggerFailed{Name: name, Error: err.Error()})

	s.warnMu.Lock()
	st := s.warn[name]
	if st == nil {
		st = &rate.Sometimes{Interval: enqueueWarnEvery}
		s.warn[name] = st
	}
	s.warnMu.Unlock()
	st.Do(func() {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	})
}

// resolveLocationLocked falls back to UTC on an unknown zone.
func (s *Service) resolveLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
