package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"halftimebot/internal/eventbus"
	rtsup "halftimebot/internal/runtime/supervisor"
	"halftimebot/internal/storage"
	logx "halftimebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSenders = errors.New("notifier has no senders")
)

// Event types published on the bus.
const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

const (
	defaultWorkers       = 2
	defaultQueueSize     = 512
	defaultRatePerSec    = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 10 * time.Second
	defaultDedupMax      = 2000
)

// Service fans messages out to senders through a bounded queue drained by a
// rate-limited worker pool. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	senders []Sender

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	dedup *dedupCache

	// run is non-nil between Start and the end of Stop.
	run *runState

	hmu     sync.Mutex
	history []HistoryItem
}

// runState is one Start/Stop cycle.
type runState struct {
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup
	stopped   chan struct{} // non-nil once Stop began
}

func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		senders: senders,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		dedup:   newDedupCache(cfg.DedupMaxEntries),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = defaultDedupMax
	}
	return cfg
}

// Apply swaps the config. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the rate so short spikes are not throttled.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
	s.dedup.setMax(cfg.DedupMaxEntries)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetSenders swaps the destinations. Queued jobs keep their sender.
func (s *Service) SetSenders(senders []Sender) {
	s.mu.Lock()
	s.senders = senders
	s.mu.Unlock()
}

// Senders lists the configured destination names.
func (s *Service) Senders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.senders))
	for i, sn := range s.senders {
		names[i] = sn.Name()
	}
	return names
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.awaitStop(ctx) {
		return
	}

	s.mu.Lock()
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	rs := &runState{
		queue:     make(chan job, cfg.QueueSize),
		accepting: true,
		// Delivery is best effort; a crashing worker is restarted, never fatal.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = rs
	st := s.store
	s.mu.Unlock()

	if cfg.PersistDedup && st != nil {
		writes := s.dedup.attach(st)
		rs.sup.GoRestart("dedup.persist", func(c context.Context) error {
			flushDedup(c, writes, st)
			return s.loopExit(c, rs, "dedup writer")
		}, rtsup.WithPublishFirstError(true))
	} else {
		s.dedup.detach()
	}
	for i := 0; i < cfg.Workers; i++ {
		rs.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, rs.queue)
			return s.loopExit(c, rs, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.String("senders", strings.Join(s.Senders(), ",")))
}

// awaitStop blocks until a Stop in progress completes. It reports false when
// ctx ends first.
func (s *Service) awaitStop(ctx context.Context) bool {
	s.mu.Lock()
	var done chan struct{}
	if s.run != nil {
		done = s.run.stopped
	}
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopExit tells the supervisor whether a returning loop should be restarted.
func (s *Service) loopExit(c context.Context, rs *runState, what string) error {
	s.mu.Lock()
	stopping := rs.stopped != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if err := c.Err(); err != nil {
		return err
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop closes intake and drains queued jobs until ctx ends, after which the
// workers are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	rs := s.run
	if rs == nil {
		s.mu.Unlock()
		return
	}
	if rs.stopped != nil {
		done := rs.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	rs.stopped = done
	rs.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// No Notify is mid-send once inflight drains, so closing is safe.
		rs.inflight.Wait()
		close(rs.queue)
		_ = rs.sup.Wait(context.Background())
		s.dedup.detach()

		s.mu.Lock()
		if s.run == rs {
			s.run = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		rs.sup.Cancel()
	}
}

// Notify queues m once per sender. A key already claimed inside the dedup
// window is skipped for that sender without error.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case s.run == nil || !s.run.accepting:
		s.mu.Unlock()
		return ErrStopped
	case len(s.senders) == 0:
		s.mu.Unlock()
		return ErrNoSenders
	}
	rs := s.run
	senders := append([]Sender(nil), s.senders...)
	window := s.cfg.DedupWindow
	rs.inflight.Add(1)
	s.mu.Unlock()
	defer rs.inflight.Done()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}

	var errs []error
	for _, sn := range senders {
		name := sn.Name()
		key := dedupKey(name, m)
		if window > 0 && key != "" && !s.dedup.claim(ctx, key, window) {
			s.emit(TypeDeduped, name, m, key, nil)
			continue
		}
		select {
		case rs.queue <- job{m: m, sender: sn, key: key}:
			s.emit(TypeQueued, name, m, key, nil)
		default:
			s.emit(TypeDropped, name, m, key, ErrQueueFull)
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
