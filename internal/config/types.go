package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls triggers: the daily discovery cron and the timezone
	// cron specs are evaluated in.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of every poll, aggregate and persist unit.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Milestones MilestonesConfig `json:"milestones"`
	Catalog    CatalogConfig    `json:"catalog"`
	Feeds      FeedsConfig      `json:"feeds"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	API      APIConfig       `json:"api"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Export   ExportConfig    `json:"export"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

// LoggingFile is a rotating JSON log file.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert mirrors warn+ lines to stderr at a bounded rate.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the trigger service.
//
// Defaults:
//   - timezone: "UTC"
//   - discovery: "0 23 * * *"
//   - discovery_timeout: "2m"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// Discovery is a cron spec, a daily wall-clock time ("23:00") or an interval ("6h").
	Discovery        string `json:"discovery,omitempty"`
	DiscoveryTimeout string `json:"discovery_timeout,omitempty"`

	// RunOnStart resolves the catalog once at boot instead of waiting for the cron.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// MilestonesConfig holds the polling policy.
//
// Defaults: halftime_offset "60m", end_of_game_offset "180m",
// retry_interval "5m", end_of_game_grace "3h", poll_timeout "30s",
// timezone "America/New_York".
type MilestonesConfig struct {
	// Timezone the feeds' local dates and times are expressed in.
	Timezone        string `json:"timezone,omitempty"`
	HalftimeOffset  string `json:"halftime_offset,omitempty"`
	EndOfGameOffset string `json:"end_of_game_offset,omitempty"`
	RetryInterval   string `json:"retry_interval,omitempty"`
	EndOfGameGrace  string `json:"end_of_game_grace,omitempty"`
	PollTimeout     string `json:"poll_timeout,omitempty"`
	PipelineTimeout string `json:"pipeline_timeout,omitempty"`
}

type CatalogConfig struct {
	// CutoffHourUTC bounds the discovery window: [today 00:00Z, tomorrow HH:00Z).
	// Nil means 22.
	CutoffHourUTC *int `json:"cutoff_hour_utc,omitempty"`
	// SnapshotCacheSize bounds the per-day aggregate cache (default 64).
	SnapshotCacheSize int `json:"snapshot_cache_size,omitempty"`
}

type FeedsConfig struct {
	Odds OddsFeedConfig `json:"odds"`
	NBA  NBAFeedConfig  `json:"nba"`
}

// OddsFeedConfig configures the market and odds detail feed.
// APIKey can be supplied via ODDS_API_KEY.
type OddsFeedConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	APIKey     string  `json:"api_key,omitempty"`
	Sport      string  `json:"sport,omitempty"`
	Regions    string  `json:"regions,omitempty"`
	Markets    string  `json:"markets,omitempty"`
	OddsFormat string  `json:"odds_format,omitempty"` // "american" or empty
	Bookmaker  string  `json:"bookmaker,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	RetryMax   int     `json:"retry_max,omitempty"`
}

// NBAFeedConfig configures the schedule and box-score feed.
// APIKey can be supplied via RAPIDAPI_KEY.
type NBAFeedConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	Host       string  `json:"host,omitempty"`
	APIKey     string  `json:"api_key,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	RetryMax   int     `json:"retry_max,omitempty"`
}

// StorageConfig controls the pick store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./halftimebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//
// DSN can be supplied via DATABASE_URL.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the HTTP surface. PORT overrides addr as ":<PORT>".
type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"` // default ":3001"
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	IdleTimeout  string   `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the async pick notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	Telegram NotifierTelegram `json:"telegram"`
	AMQP     NotifierAMQP     `json:"amqp"`
}

// DefaultNotifierConfig is used when the notifier section is omitted.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// NotifierTelegram posts picks to a chat. Token can be supplied via TELEGRAM_TOKEN.
type NotifierTelegram struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// NotifierAMQP publishes picks to an exchange. URL can be supplied via AMQP_URL.
type NotifierAMQP struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

type ExportConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}
