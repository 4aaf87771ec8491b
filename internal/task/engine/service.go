package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"halftimebot/internal/eventbus"
	rtsup "halftimebot/internal/runtime/supervisor"
	logx "halftimebot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Drop and skip reasons recorded in history and task events.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonOverlapSkip = "overlap_skip"
	ReasonQueueFull   = "queue_full"
	ReasonStale       = "stale_queue_delay"
)

// Service runs polls, pipelines and discovery on a bounded worker pool.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	pool *pool // nil while stopped

	busy atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	breakers breakers
	drops    dropLog

	hmu     sync.Mutex
	history []HistoryItem
}

// pool is the worker set of one Start/Stop cycle. Its queue is never closed;
// workers leave when closing is.
type pool struct {
	queue   chan queuedTask
	sup     *rtsup.Supervisor
	closing chan struct{}
	gone    chan struct{}
}

func (p *pool) stopping() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

// discard frees the overlap slots of tasks left in the queue and tells
// their owners they will not run.
func (p *pool) discard() {
	for {
		select {
		case qt := <-p.queue:
			qt.abandon()
			qt.opt.dropped(ErrStopping)
		default:
			return
		}
	}
}

// dropLog counts discarded tasks per reason and throttles the matching warnings.
type dropLog struct {
	mu     sync.Mutex
	counts map[string]uint64
	warn   map[string]*rate.Sometimes
}

// add counts one drop and calls warn with the running total at most once
// per warnThrottleEvery for each reason.
func (d *dropLog) add(reason string, warn func(total uint64)) {
	d.mu.Lock()
	if d.counts == nil {
		d.counts = map[string]uint64{}
		d.warn = map[string]*rate.Sometimes{}
	}
	d.counts[reason]++
	total := d.counts[reason]
	every := d.warn[reason]
	if every == nil {
		every = &rate.Sometimes{Interval: warnThrottleEvery}
		d.warn[reason] = every
	}
	d.mu.Unlock()
	every.Do(func() { warn(total) })
}

func (d *dropLog) snapshot() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.counts) == 0 {
		return nil
	}
	return maps.Clone(d.counts)
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withConfigDefaults(cfg),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = defaultTripFailures
	}
	if cfg.CircuitBaseDelay <= 0 {
		cfg.CircuitBaseDelay = 5 * time.Second
	}
	if cfg.CircuitMaxDelay <= 0 {
		cfg.CircuitMaxDelay = 2 * time.Minute
	}
	if cfg.CircuitResetAfter <= 0 {
		cfg.CircuitResetAfter = 5 * time.Minute
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running pool is rebuilt when its worker count or
// queue size changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withConfigDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	p := s.pool
	s.mu.Unlock()

	reshaped := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	if p == nil || p.stopping() || !reshaped {
		return
	}
	s.Stop(ctx)
	s.Start(ctx)
}

// Start launches the pool. It is a no-op while running and waits out a Stop
// that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		cfg, p := s.cfg, s.pool
		switch {
		case !cfg.Enabled, p != nil && !p.stopping():
			s.mu.Unlock()
			return
		case p == nil:
			s.pool = s.launch(ctx, cfg)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		select {
		case <-p.gone:
		case <-ctx.Done():
			return
		}
	}
}

// launch builds a pool and starts its workers. Called with mu held.
func (s *Service) launch(ctx context.Context, cfg Config) *pool {
	p := &pool{
		queue:   make(chan queuedTask, cfg.QueueSize),
		closing: make(chan struct{}),
		gone:    make(chan struct{}),
		// A failing task must never take down the scheduler.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))), rtsup.WithCancelOnError(false)),
	}
	s.busy.Store(0)
	for i := 0; i < cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, p)
			if p.stopping() {
				return context.Canceled
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	return p
}

// Stop discards queued work, cancels running tasks and waits for the workers
// until ctx ends. Concurrent calls share one shutdown.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	first := p != nil && !p.stopping()
	if first {
		close(p.closing)
	}
	s.mu.Unlock()
	if p == nil {
		return
	}

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			if s.pool == p {
				s.pool = nil
			}
			s.mu.Unlock()
			p.discard()
			close(p.gone)
		}()
	}

	select {
	case <-p.gone:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands t to the pool without blocking; a full queue drops it with
// ErrQueueFull. Use Submit for backpressure.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) (err error) {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	defer func() {
		if err != nil {
			t.Opt.dropped(err)
		}
	}()

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case p.stopping():
		return ErrStopping
	}

	now := time.Now()
	qt, err := s.admit(now, cfg, t)
	if err != nil {
		return err
	}

	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			qt.abandon()
			s.dropped(now, t, ReasonQueueFull, 0, logx.Int("queue_len", len(p.queue)), logx.Int("queue_cap", cap(p.queue)))
			return ErrQueueFull
		}
	}

	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.abandon()
		return ctx.Err()
	case <-p.closing:
		qt.abandon()
		return ErrStopping
	}
}

// admit applies the circuit breaker and overlap policy and builds the queue
// entry. An admitted SkipIfRunning task holds its run slot until it finishes
// or is abandoned.
func (s *Service) admit(now time.Time, cfg Config, t Task) (queuedTask, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	if p, ok := policyFor(cfg, opt); ok {
		if until := s.breakers.openUntil(now, t.Name, p); !until.IsZero() {
			s.skipped(now, cfg, t, ReasonCircuitOpen, true)
			s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
			return queuedTask{}, ErrCircuitOpen
		}
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.skipped(now, cfg, t, ReasonOverlapSkip, false)
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return queuedTask{}, ErrOverlapSkip
	}
	return queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}, nil
}

// abandon releases the overlap slot of a task that never reached a worker.
func (qt queuedTask) abandon() {
	if qt.track {
		qt.state.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	ql, qc := 0, 0
	if p != nil {
		ql, qc = len(p.queue), cap(p.queue)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.breakers.counts(time.Now())
	return Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(s.busy.Load()),
		Dropped:        s.drops.snapshot(),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		RetryMax:       cfg.RetryMax,
		CircuitTotal:   ct,
		CircuitOpen:    co,
		History:        h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) publish(typ string, ev TaskEvent) {
	eventbus.Publish(s.bus, typ, ev)
}

func (s *Service) appendHistory(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := cfg.HistorySize; n > 0 && len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) skipped(now time.Time, cfg Config, t Task, reason string, record bool) {
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: now, Reason: reason}
	s.publish(eventbus.TypeTaskSkipped, ev)
	if record {
		s.appendHistory(cfg, ev)
	}
}

// dropped accounts for a task discarded before running and warns at most
// once per warnThrottleEvery for each reason.
func (s *Service) dropped(now time.Time, t Task, reason string, queueDelay time.Duration, extra ...logx.Field) {
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Reason: reason})
	s.drops.add(reason, func(total uint64) {
		fields := append([]logx.Field{
			logx.String("task", t.Name),
			logx.String("reason", reason),
			logx.Uint64("dropped", total),
		}, extra...)
		if queueDelay > 0 {
			fields = append(fields, logx.Duration("queue_delay", queueDelay))
		}
		s.log.Warn("task dropped", fields...)
	})
}
