package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"halftimebot/internal/catalog"
	"halftimebot/internal/domain"
	"halftimebot/internal/eventbus"
	"halftimebot/internal/milestone"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

const (
	JobName     = "discover"
	BootJobName = "discover.boot"

	DefaultSchedule = "0 23 * * *"
	DefaultTimeout  = 2 * time.Minute
)

type Resolver interface {
	Resolve(ctx context.Context, start, end time.Time) ([]domain.Event, error)
	Location() *time.Location
}

type Tracker interface {
	TrackEvent(e domain.Event, off milestone.Offsets, loc *time.Location) (milestone.Deadlines, error)
	Prune(cutoff time.Time) int
}

// Cache is the per-day aggregate cache dropped at every resolution.
type Cache interface {
	Clear()
}

// Schedules is the trigger registry discovery is installed into.
type Schedules interface {
	AddScheduleOpt(name, schedule string, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error)
	AddOnceOpt(name string, at time.Time, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error)
}

type Config struct {
	// Schedule is a cron spec, interval or HH:MM interval. Empty means daily at 23:00.
	Schedule   string
	Timeout    time.Duration
	RunOnStart bool
	Window     catalog.Policy
	Offsets    milestone.Offsets
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Offsets.Halftime <= 0 || c.Offsets.EndOfGame <= 0 {
		c.Offsets = milestone.DefaultOffsets()
	}
	return c
}

// Report summarizes one discovery run.
type Report struct {
	RunID       string         `json:"run_id"`
	Trigger     string         `json:"trigger"`
	At          time.Time      `json:"at"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Events      []domain.Event `json:"events"`
	Tracked     int            `json:"tracked"`
	Skipped     int            `json:"skipped"`
	Pruned      int            `json:"pruned"`
	Took        time.Duration  `json:"took"`
	Error       string         `json:"error,omitempty"`
}

type Driver struct {
	mu  sync.Mutex
	cfg Config

	resolver Resolver
	tracker  Tracker
	catalog  *catalog.Catalog
	cache    Cache
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	// runMu serializes discovery so a cron run and an on-demand run never
	// interleave their catalog swaps.
	runMu sync.Mutex
	last  *Report
}

func New(cfg Config, resolver Resolver, tracker Tracker, cat *catalog.Catalog, cache Cache, log logx.Logger, bus eventbus.Bus) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cat == nil {
		cat = catalog.NewCatalog()
	}
	return &Driver{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		tracker:  tracker,
		catalog:  cat,
		cache:    cache,
		log:      log.With(logx.String("comp", "driver")),
		bus:      bus,
		now:      time.Now,
	}
}

func (d *Driver) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Driver) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Driver) Catalog() *catalog.Catalog { return d.catalog }

// Last returns the most recent discovery report.
func (d *Driver) Last() (Report, bool) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.last == nil {
		return Report{}, false
	}
	return *d.last, true
}

var discoverOpts = scheduler.TaskOptions{
	Overlap: scheduler.OverlapSkipIfRunning,
	// A failed resolution waits for the next trigger.
	RetryMax: -1,
}

// Register installs the recurring discovery trigger, plus a one-shot boot
// run when configured.
func (d *Driver) Register(s Schedules) error {
	if err := d.Reschedule(s); err != nil {
		return err
	}
	cfg := d.Config()
	if cfg.RunOnStart {
		if _, err := s.AddOnceOpt(BootJobName, d.now(), cfg.Timeout, discoverOpts, d.job("boot")); err != nil {
			return fmt.Errorf("register boot discovery: %w", err)
		}
	}
	return nil
}

// Reschedule replaces the recurring trigger with the current schedule.
func (d *Driver) Reschedule(s Schedules) error {
	cfg := d.Config()
	if _, err := s.AddScheduleOpt(JobName, cfg.Schedule, cfg.Timeout, discoverOpts, d.job("cron")); err != nil {
		return fmt.Errorf("register discovery %q: %w", cfg.Schedule, err)
	}
	return nil
}

func (d *Driver) job(trigger string) scheduler.Job {
	return func(ctx context.Context) error {
		_, err := d.run(ctx, trigger)
		return err
	}
}

// Discover resolves the current window and tracks both milestones of every
// event. Events already tracked are left alone, so repeating it is safe.
func (d *Driver) Discover(ctx context.Context) (Report, error) {
	return d.run(ctx, "manual")
}

func (d *Driver) run(ctx context.Context, trigger string) (Report, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	cfg := d.Config()
	now := d.now()
	start, end := catalog.Window(now, cfg.Window)
	rep := Report{RunID: uuid.NewString(), Trigger: trigger, At: now, WindowStart: start, WindowEnd: end}
	log := d.log.With(logx.String("run", rep.RunID), logx.String("trigger", trigger))

	events, err := d.resolver.Resolve(ctx, start, end)
	if err != nil {
		rep.Error = err.Error()
		rep.Took = d.now().Sub(now)
		d.last = &rep
		log.Warn("discovery failed", logx.Time("window_start", start), logx.Time("window_end", end), logx.Err(err))
		eventbus.Publish(d.bus, eventbus.TypeDiscoveryFailed, rep)
		return rep, err
	}

	d.catalog.Replace(events, now)
	if d.cache != nil {
		d.cache.Clear()
	}
	rep.Events = events
	rep.Pruned = d.tracker.Prune(start)

	loc := d.resolver.Location()
	for _, e := range events {
		dl, err := d.tracker.TrackEvent(e, cfg.Offsets, loc)
		switch {
		case errors.Is(err, domain.ErrInvalidEventTime):
			rep.Skipped++
			log.Warn("event skipped", logx.String("game", e.GameLabel()), logx.String("date", e.LocalDate), logx.String("time", e.LocalTime), logx.Err(err))
			continue
		case err != nil:
			rep.Skipped++
			log.Error("event not tracked", logx.String("game", e.GameLabel()), logx.Err(err))
			continue
		}
		rep.Tracked++
		log.Debug("event tracked", logx.String("game", e.GameLabel()), logx.Int("oracle_id", e.OracleID), logx.Time("halftime", dl.Halftime), logx.Time("end_of_game", dl.EndOfGame))
	}

	rep.Took = d.now().Sub(now)
	d.last = &rep
	log.Info("discovery completed",
		logx.Int("events", len(events)),
		logx.Int("tracked", rep.Tracked),
		logx.Int("skipped", rep.Skipped),
		logx.Int("pruned", rep.Pruned),
		logx.Duration("took", rep.Took),
	)
	eventbus.Publish(d.bus, eventbus.TypeDiscoveryCompleted, rep)
	return rep, nil
}
