package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"halftimebot/internal/api"
	"halftimebot/internal/catalog"
	"halftimebot/internal/config"
	"halftimebot/internal/driver"
	"halftimebot/internal/eventbus"
	"halftimebot/internal/export"
	"halftimebot/internal/feeds/nbaapi"
	"halftimebot/internal/feeds/oddsapi"
	"halftimebot/internal/milestone"
	"halftimebot/internal/notifier"
	"halftimebot/internal/pipeline"
	rtsup "halftimebot/internal/runtime/supervisor"
	"halftimebot/internal/storage"
	"halftimebot/internal/task/engine"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	odds *oddsapi.Client
	nba  *nbaapi.Client

	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	senders []notifier.Sender
	api     *api.Service

	catalog *catalog.Catalog
	tracker *milestone.Tracker
	runner  *pipeline.Runner
	driver  *driver.Driver
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	oddsCfg, err := mapOddsConfig(cfg)
	if err != nil {
		return nil, err
	}
	nbaCfg, err := mapNBAConfig(cfg)
	if err != nil {
		return nil, err
	}
	odds := oddsapi.New(oddsCfg, log.With(logx.String("comp", "feed.odds")))
	nba := nbaapi.New(nbaCfg, log.With(logx.String("comp", "feed.nba")))

	ms, err := mapMilestones(cfg)
	if err != nil {
		return nil, err
	}
	resolver := catalog.NewResolver(odds, nba, ms.Location, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	senders, err := buildSenders(cfg, log)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, senders, log, bus, store)

	cache := pipeline.NewSnapshotCache(cfg.Catalog.SnapshotCacheSize)
	opts := []pipeline.RunnerOption{pipeline.WithBus(bus)}
	if len(senders) > 0 && ncfg.Enabled {
		opts = append(opts, pipeline.WithNotifier(notifSvc))
	}
	if cfg.Export.Enabled {
		opts = append(opts, pipeline.WithExporter(export.New(cfg.Export.Dir, log)))
	}
	runner := pipeline.NewRunner(
		pipeline.NewAggregator(odds, nba, log),
		storage.NewSink(store, log),
		cache,
		log,
		opts...,
	)

	tracker := milestone.NewTracker(schedSvc, nba, runner.HandleMilestone, ms.Policy, log, bus)

	dcfg, err := mapDriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat := catalog.NewCatalog()
	drv := driver.New(dcfg, resolver, tracker, cat, cache, log, bus)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := api.New(apiCfg, api.Deps{
		Discover:  drv,
		Catalog:   cat,
		Jobs:      tracker,
		Props:     odds,
		Stats:     nba,
		Picks:     store,
		Snapshots: cache,
	}, bus, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		odds:    odds,
		nba:     nba,
		engine:  engineSvc,
		sched:   schedSvc,
		notif:   notifSvc,
		senders: senders,
		api:     apiSvc,
		catalog: cat,
		tracker: tracker,
		runner:  runner,
		driver:  drv,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Driver() *driver.Driver { return a.driver }

func (a *App) Tracker() *milestone.Tracker { return a.tracker }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate rejects configs that would fail mapping. It is also the hot-reload
// validator, so a bad edit never replaces a good config.
func validate(cfg *Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDriverConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOddsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNBAConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}

// Start brings services up engine first, then the notifier, the triggers and
// finally the API.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validate(cfg) })

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if err := a.driver.Register(a.sched); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	} else {
		a.log.Warn("scheduler disabled; discovery only runs on demand")
	}
	if a.api.Enabled() {
		a.api.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.traceEvents(c, events)
	})
	updates := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		a.followConfig(c, updates)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) traceEvents(c context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// followConfig applies reloaded configs in order. A burst of saves collapses
// into its newest version.
func (a *App) followConfig(c context.Context, updates <-chan *Config) {
	applied := a.cfgm.Get()
	for {
		var next *Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			next = cfg
		}
	collapse:
		for {
			select {
			case cfg := <-updates:
				if cfg != nil {
					next = cfg
				}
			default:
				break collapse
			}
		}
		if next != nil {
			applied = a.applyConfig(c, applied, next)
		}
	}
}

// toggleTimeout bounds stopping a service that a reload disabled.
const toggleTimeout = 3 * time.Second

// toggle starts or stops a service whose enabled flag flipped.
func toggle(c context.Context, was, now bool, start, stop func(context.Context)) {
	switch {
	case was && !now:
		sc, cancel := context.WithTimeout(c, toggleTimeout)
		defer cancel()
		stop(sc)
	case !was && now:
		start(c)
	}
}

// applyConfig pushes a validated config to running services and returns it
// as the new baseline.
func (a *App) applyConfig(c context.Context, prev, next *Config) *Config {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return next
	}
	touched := func(names ...string) bool {
		for _, n := range names {
			if slices.Contains(sections, n) {
				return true
			}
		}
		return false
	}

	if touched("storage", "feeds", "export") {
		a.log.Warn("storage, feeds and export changes take effect after restart")
	}
	if touched("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if touched("task_engine", "scheduler") {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			was := a.engine.Enabled()
			a.engine.Apply(c, ec)
			toggle(c, was, ec.Enabled, a.engine.Start, a.engine.Stop)
		}
		was := a.sched.Enabled()
		a.sched.Apply(mapSchedulerConfig(next))
		toggle(c, was, next.Scheduler.Enabled, a.sched.Start, a.sched.Stop)
	}
	if touched("scheduler", "catalog", "milestones") {
		if dc, err := mapDriverConfig(next); err == nil {
			a.driver.Apply(dc)
			if err := a.driver.Reschedule(a.sched); err != nil {
				a.log.Warn("discovery trigger not updated", logx.Err(err))
			}
		}
		if ms, err := mapMilestones(next); err == nil {
			a.tracker.Apply(ms.Policy)
		}
	}
	if touched("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			was := a.notif.Enabled()
			a.notif.Apply(nc)
			toggle(c, was, nc.Enabled, a.notif.Start, a.notif.Stop)
		}
	}
	if touched("api") {
		if ac, err := mapAPIConfig(next); err != nil {
			a.log.Warn("invalid api config; keeping previous", logx.Err(err))
		} else {
			a.api.Reconfigure(c, ac)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	return next
}

// stopStage is one bounded step of shutdown.
type stopStage struct {
	name  string
	limit time.Duration
	run   func(context.Context) error
}

// Stop shuts services down in reverse dependency order. Each stage gets its
// own deadline, capped by ctx, so a stuck one cannot starve the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	quiet := func(fn func(context.Context)) func(context.Context) error {
		return func(c context.Context) error { fn(c); return nil }
	}
	stages := []stopStage{
		{"api", 2 * time.Second, quiet(a.api.Stop)},
		{"scheduler", 2 * time.Second, quiet(a.sched.Stop)},
		{"milestones", time.Second, func(context.Context) error {
			if n := a.tracker.Reset(); n > 0 {
				a.log.Info("pending milestone jobs dropped", logx.Int("jobs", n))
			}
			return nil
		}},
		{"taskengine", 3 * time.Second, quiet(a.engine.Stop)},
		{"notifier", 2 * time.Second, quiet(a.notif.Stop)},
		{"resources", time.Second, func(context.Context) error { return a.closeResources() }},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range stages {
		a.runStage(ctx, st)
	}

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Uint64("goroutines_started", c.Started), logx.Uint64("panics", c.Panics), logx.Uint64("restarts", c.Restarts))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) runStage(ctx context.Context, st stopStage) {
	began := time.Now()
	sctx, cancel := context.WithTimeout(ctx, st.limit)
	defer cancel()

	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("stop stage %s panicked: %v", st.name, r)
			}
		}()
		res <- st.run(sctx)
	}()

	select {
	case err := <-res:
		if err != nil {
			a.log.Warn("stop stage failed", logx.String("stage", st.name), logx.Err(err))
		}
		a.log.Debug("stop stage done", logx.String("stage", st.name), logx.Duration("took", time.Since(began)))
	case <-sctx.Done():
		a.log.Warn("stop stage timed out", logx.String("stage", st.name), logx.Duration("elapsed", time.Since(began)))
	}
}

func (a *App) closeResources() error {
	var first error
	for _, s := range a.senders {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close releases resources for one-shot commands that never called Start.
func (a *App) Close() error {
	err := a.closeResources()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// LoadConfig parses a config file without building services.
func LoadConfig(path string) (*Config, error) {
	return config.NewConfigManager(path).Parse()
}
