package engine

import (
	"context"
	"time"
)

// Config sizes the worker pool that runs every poll, pipeline and discovery
// unit. Timers only enqueue, so a slow feed call for one game never holds up
// another game's milestone.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	HistorySize int
	RetryMax    int

	DefaultTimeout time.Duration // for tasks without their own
	MaxQueueDelay  time.Duration // older queued tasks are dropped; 0 keeps them

	// CircuitTripFailures < 0 disables the per-task breaker; 0 means 5.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions tune one task. Zero values inherit the engine settings;
// negative RetryMax or CircuitTripFailures switch the feature off.
type TaskOptions struct {
	Overlap             OverlapPolicy
	RetryMax            int
	RetryBase           time.Duration
	RetryMaxDelay       time.Duration
	RetryJitter         float64 // fraction, 0.2 = 20%
	CircuitTripFailures int

	// OnDrop is called with the reason when the task is given up without
	// running: refused at enqueue, too stale to start, or discarded by Stop.
	OnDrop func(reason error)
}

func (o TaskOptions) dropped(reason error) {
	if o.OnDrop != nil {
		o.OnDrop(reason)
	}
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// HistoryItem records one task outcome. Reason is set when the task never
// ran ("circuit_open", "overlap_skip", "queue_full", "stale_queue_delay");
// Error holds the final run error.
type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent = HistoryItem

// Task is a unit of work. Under OverlapSkipIfRunning, State (or a shared
// per-name state when nil) gates concurrent runs.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is served by the status endpoint.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	// Dropped counts tasks discarded before running, by reason.
	Dropped map[string]uint64 `json:"dropped,omitempty"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}
