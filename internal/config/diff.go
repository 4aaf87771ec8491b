package config

import (
	"reflect"
	"sort"
	"strings"

	logx "halftimebot/pkg/logx"
)

// section is one top-level config block as seen by reload logging. view
// normalizes unset blocks so nil and the default compare equal.
type section struct {
	name  string
	view  func(*Config) any
	attrs func(*Config) []logx.Field
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }

func storageOf(c *Config) StorageConfig {
	if c.Storage == nil {
		return StorageConfig{}
	}
	return *c.Storage
}

func notifierOf(c *Config) NotifierConfig {
	if c.Notifier == nil {
		return *DefaultNotifierConfig()
	}
	return *c.Notifier
}

var reloadSections = []section{
	{"logging", func(c *Config) any { return c.Logging }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.String("logging.level", c.Logging.Level),
			logx.Bool("logging.console", c.Logging.Console),
			logx.Bool("logging.file_enabled", c.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", c.Logging.Alert.Enabled),
		}
	}},
	{"scheduler", func(c *Config) any { return c.Scheduler }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.Bool("scheduler.enabled", c.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(c.Scheduler.Timezone)),
			logx.String("scheduler.discovery", strings.TrimSpace(c.Scheduler.Discovery)),
		}
	}},
	{"task_engine", func(c *Config) any { return c.TaskEngine }, func(c *Config) []logx.Field {
		var te TaskEngineConfig
		if c.TaskEngine != nil {
			te = *c.TaskEngine
		}
		// Unset means "follow the scheduler".
		enabled := c.Scheduler.Enabled
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		return []logx.Field{
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		}
	}},
	{"milestones", func(c *Config) any { return c.Milestones }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.String("milestones.halftime_offset", c.Milestones.HalftimeOffset),
			logx.String("milestones.end_of_game_offset", c.Milestones.EndOfGameOffset),
			logx.String("milestones.retry_interval", c.Milestones.RetryInterval),
		}
	}},
	{"catalog", func(c *Config) any { return c.Catalog }, func(c *Config) []logx.Field {
		if c.Catalog.CutoffHourUTC == nil {
			return nil
		}
		return []logx.Field{logx.Int("catalog.cutoff_hour_utc", *c.Catalog.CutoffHourUTC)}
	}},
	{"feeds", func(c *Config) any { return c.Feeds }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.String("feeds.odds.bookmaker", c.Feeds.Odds.Bookmaker),
			logx.Bool("feeds.odds.key_set", isSet(c.Feeds.Odds.APIKey)),
			logx.Bool("feeds.nba.key_set", isSet(c.Feeds.NBA.APIKey)),
		}
	}},
	{"storage", func(c *Config) any { return storageOf(c) }, func(c *Config) []logx.Field {
		st := storageOf(c)
		return []logx.Field{
			logx.String("storage.driver", strings.TrimSpace(st.Driver)),
			logx.Bool("storage.path_set", isSet(st.Path)),
			logx.Bool("storage.dsn_set", isSet(st.DSN)),
		}
	}},
	{"api", func(c *Config) any { return c.API }, func(c *Config) []logx.Field {
		return []logx.Field{
			logx.Bool("api.enabled", c.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(c.API.Addr)),
		}
	}},
	{"notifier", func(c *Config) any { return notifierOf(c) }, func(c *Config) []logx.Field {
		n := notifierOf(c)
		return []logx.Field{
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Bool("notifier.telegram_token_set", isSet(n.Telegram.Token)),
			logx.Bool("notifier.amqp", n.AMQP.Enabled),
		}
	}},
	{"export", func(c *Config) any { return c.Export }, func(c *Config) []logx.Field {
		return []logx.Field{logx.Bool("export.enabled", c.Export.Enabled)}
	}},
}

// SummarizeConfigChange returns the sorted names of changed sections and
// log fields describing their new values. Secrets (API keys, tokens, DSNs,
// broker URLs) are only ever reported as set or unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field
	for _, s := range reloadSections {
		if reflect.DeepEqual(s.view(oldCfg), s.view(newCfg)) {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs, s.attrs(newCfg)...)
	}
	sort.Strings(changed)
	return changed, attrs
}
