package app

import (
	"fmt"
	"strings"
	"time"

	"halftimebot/internal/api"
	"halftimebot/internal/catalog"
	"halftimebot/internal/config"
	"halftimebot/internal/driver"
	"halftimebot/internal/feeds/nbaapi"
	"halftimebot/internal/feeds/oddsapi"
	"halftimebot/internal/milestone"
	"halftimebot/internal/notifier"
	"halftimebot/internal/storage"
	"halftimebot/internal/task/engine"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

// Config is the file-level configuration the mappers below translate into
// per-component settings.
type Config = config.Config

func mapLogConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	enabled := cfg.Scheduler.Enabled
	workers := 4
	queueSize := 256
	historySize := 200
	retryMax := 3
	var te config.TaskEngineConfig
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		// Polls, pipelines and discovery all share the engine.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax != 0 {
			retryMax = te.RetryMax
		}
	}
	if workers < 0 || queueSize < 0 || historySize < 0 || retryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}

	out := engine.Config{
		Enabled:             enabled,
		Workers:             workers,
		QueueSize:           queueSize,
		HistorySize:         historySize,
		RetryMax:            retryMax,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 2*time.Minute); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// milestoneSettings is the mapped milestones section.
type milestoneSettings struct {
	Offsets  milestone.Offsets
	Policy   milestone.Policy
	Location *time.Location
}

func mapMilestones(cfg *Config) (milestoneSettings, error) {
	m := cfg.Milestones
	var (
		out milestoneSettings
		err error
	)
	if out.Offsets.Halftime, err = config.ParseDurationOrDefault("milestones.halftime_offset", m.HalftimeOffset, milestone.DefaultHalftimeOffset); err != nil {
		return out, err
	}
	if out.Offsets.EndOfGame, err = config.ParseDurationOrDefault("milestones.end_of_game_offset", m.EndOfGameOffset, milestone.DefaultEndOfGameOffset); err != nil {
		return out, err
	}
	if out.Offsets.EndOfGame <= out.Offsets.Halftime {
		return out, fmt.Errorf("milestones.end_of_game_offset must be greater than halftime_offset")
	}
	if out.Policy.RetryInterval, err = config.ParseDurationOrDefault("milestones.retry_interval", m.RetryInterval, milestone.DefaultRetryInterval); err != nil {
		return out, err
	}
	if out.Policy.EndOfGameGrace, err = config.ParseDurationOrDefault("milestones.end_of_game_grace", m.EndOfGameGrace, milestone.DefaultEndOfGameGrace); err != nil {
		return out, err
	}
	if out.Policy.PollTimeout, err = config.ParseDurationOrDefault("milestones.poll_timeout", m.PollTimeout, milestone.DefaultPollTimeout); err != nil {
		return out, err
	}
	if out.Policy.HandlerTimeout, err = config.ParseDurationOrDefault("milestones.pipeline_timeout", m.PipelineTimeout, milestone.DefaultHandlerTimeout); err != nil {
		return out, err
	}
	tz := strings.TrimSpace(m.Timezone)
	if tz == "" {
		tz = catalog.DefaultTimezone
	}
	if out.Location, err = time.LoadLocation(tz); err != nil {
		return out, fmt.Errorf("milestones.timezone: invalid %q: %w", tz, err)
	}
	return out, nil
}

func mapCatalogPolicy(cfg *Config) (catalog.Policy, error) {
	p := catalog.DefaultPolicy()
	if h := cfg.Catalog.CutoffHourUTC; h != nil {
		if *h < 0 || *h > 23 {
			return p, fmt.Errorf("catalog.cutoff_hour_utc must be in 0..23, got %d", *h)
		}
		p.CutoffHourUTC = *h
	}
	return p, nil
}

func mapDriverConfig(cfg *Config) (driver.Config, error) {
	pol, err := mapCatalogPolicy(cfg)
	if err != nil {
		return driver.Config{}, err
	}
	ms, err := mapMilestones(cfg)
	if err != nil {
		return driver.Config{}, err
	}
	sched := strings.TrimSpace(cfg.Scheduler.Discovery)
	if sched == "" {
		sched = driver.DefaultSchedule
	}
	if _, err := scheduler.ParseSchedule(sched); err != nil {
		return driver.Config{}, fmt.Errorf("scheduler.discovery: %w", err)
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.discovery_timeout", cfg.Scheduler.DiscoveryTimeout, driver.DefaultTimeout)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{
		Schedule:   sched,
		Timeout:    timeout,
		RunOnStart: cfg.Scheduler.RunOnStart,
		Window:     pol,
		Offsets:    ms.Offsets,
	}, nil
}

func mapOddsConfig(cfg *Config) (oddsapi.Config, error) {
	o := cfg.Feeds.Odds
	timeout, err := config.ParseDurationField("feeds.odds.timeout", o.Timeout)
	if err != nil {
		return oddsapi.Config{}, err
	}
	if f := strings.TrimSpace(o.OddsFormat); f != "" && !strings.EqualFold(f, oddsapi.OddsFormat) {
		return oddsapi.Config{}, fmt.Errorf("feeds.odds.odds_format: %q is not supported, only %q", o.OddsFormat, oddsapi.OddsFormat)
	}
	return oddsapi.Config{
		BaseURL:    o.BaseURL,
		APIKey:     o.APIKey,
		Sport:      o.Sport,
		Regions:    o.Regions,
		Markets:    o.Markets,
		Bookmaker:  o.Bookmaker,
		Timeout:    timeout,
		RatePerSec: o.RatePerSec,
		Burst:      o.Burst,
		RetryMax:   o.RetryMax,
	}, nil
}

func mapNBAConfig(cfg *Config) (nbaapi.Config, error) {
	n := cfg.Feeds.NBA
	timeout, err := config.ParseDurationField("feeds.nba.timeout", n.Timeout)
	if err != nil {
		return nbaapi.Config{}, err
	}
	return nbaapi.Config{
		BaseURL:    n.BaseURL,
		Host:       n.Host,
		APIKey:     n.APIKey,
		Timeout:    timeout,
		RatePerSec: n.RatePerSec,
		Burst:      n.Burst,
		RetryMax:   n.RetryMax,
	}, nil
}

// mapStorageConfig maps the storage section. Omitted means in-memory.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or DATABASE_URL) is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	a := cfg.API
	out := api.Config{Enabled: a.Enabled, Addr: strings.TrimSpace(a.Addr), CORSOrigins: a.CORSOrigins}
	if out.Addr == "" {
		out.Addr = api.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 15*time.Second); err != nil {
		return api.Config{}, err
	}
	// Discovery runs inside the request for /nba/games and /api/discover.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 3*time.Minute); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = config.DefaultNotifierConfig()
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric settings must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    true,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if n.Telegram.Enabled && n.Telegram.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.telegram.chat_id is required when telegram is enabled")
	}
	return out, nil
}

// buildSenders constructs the enabled notification destinations.
func buildSenders(cfg *Config, log logx.Logger) ([]notifier.Sender, error) {
	n := cfg.Notifier
	if n == nil {
		return nil, nil
	}
	var out []notifier.Sender
	if n.Telegram.Enabled {
		tg, err := notifier.NewTelegramSender(notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, tg)
	}
	if n.AMQP.Enabled {
		mq, err := notifier.NewAMQPSender(notifier.AMQPConfig{
			URL:        n.AMQP.URL,
			Exchange:   n.AMQP.Exchange,
			RoutingKey: n.AMQP.RoutingKey,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("notifier.amqp: %w", err)
		}
		out = append(out, mq)
	}
	return out, nil
}
