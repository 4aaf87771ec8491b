package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"halftimebot/internal/eventbus"
	"halftimebot/internal/task/engine"
	logx "halftimebot/pkg/logx"
)

// Config controls the trigger service. Execution lives in the task engine.
type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means UTC
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the unit of work a trigger enqueues.
type Job func(ctx context.Context) error

// recurring is a cron or interval registration. It is re-added to every new
// cron instance, so it outlives Stop and timezone changes.
type recurring struct {
	id      string
	name    string
	spec    string // cron expression or "@every <dur>"
	timeout time.Duration
	opt     TaskOptions
	job     Job
	state   *engine.RunState

	entry  cron.EntryID
	spread time.Duration // first-run offset of interval schedules
}

// oneShot is a keyed trigger for a single instant. gen changes on every
// upsert so a timer belonging to a replaced definition can detect it.
type oneShot struct {
	at      time.Time
	timeout time.Duration
	opt     TaskOptions
	job     Job
	gen     uint64
	timer   *time.Timer
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service
	parser cron.Parser

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	cron      *cron.Cron // nil while stopped
	ctx       context.Context
	recurring []*recurring

	// omu guards the one-shot table; definitions survive Stop, timers do not.
	omu     sync.Mutex
	pending map[string]*oneShot
	gen     uint64
	fired   uint64

	warnMu sync.Mutex
	warn   map[string]*rate.Sometimes
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
}

// OnceInfo describes a one-shot trigger that has not fired.
type OnceInfo struct {
	Name    string        `json:"name"`
	At      time.Time     `json:"at"`
	Timeout time.Duration `json:"timeout"`
	Armed   bool          `json:"armed"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Once      []OnceInfo      `json:"once"`
	OnceFired uint64          `json:"once_fired"`
	Engine    engine.Snapshot `json:"engine"`
}
