package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "halftimebot/pkg/logx"
)

// Supervisor runs named goroutines under one cancellable context. Panics are
// recovered and turned into errors, and the first error is kept for Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	firstErr error

	started  atomic.Uint64
	active   atomic.Int64
	panics   atomic.Uint64
	restarts atomic.Uint64
}

// Counters are goroutine statistics for status output.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Panics   uint64 `json:"panics"`
	Restarts uint64 `json:"restarts"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine error.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Panics:   s.panics.Load(),
		Restarts: s.restarts.Load(),
	}
}

// spawn tracks one goroutine running body.
func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// guarded calls fn, converting a panic into an error.
func (s *Supervisor) guarded(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-cancellation error is recorded and, with
// WithCancelOnError, stops every sibling.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))
		if err := s.guarded(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
	})
}

// Go0 runs a loop that has no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	// stable is how long a run must last before backoff starts over.
	stable   time.Duration
	publish  bool
	nextWait time.Duration
}

// WithRestartBackoff bounds the doubling wait between restarts.
func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithPublishFirstError records restart-loop errors in Err. The context is
// never cancelled by them.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// wait returns the jittered backoff before the next run and advances it.
func (p *restartPolicy) wait(ranFor time.Duration) time.Duration {
	if ranFor >= p.stable || p.nextWait == 0 {
		p.nextWait = p.floor
	}
	d := p.nextWait
	p.nextWait = min(p.nextWait*2, p.ceil)
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// GoRestart keeps fn running: an error or panic restarts it after a backoff,
// a nil or cancellation return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second, stable: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.floor)

	s.spawn(func() {
		for s.ctx.Err() == nil {
			began := time.Now()
			err := s.guarded(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			if p.publish {
				s.record(fmt.Errorf("%s: %w", name, err), false)
			}
			s.restarts.Add(1)
			d := p.wait(time.Since(began))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))

			t := time.NewTimer(d)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels the context and waits for every goroutine or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) record(err error, cancel bool) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if cancel {
		s.cancel()
	}
}
