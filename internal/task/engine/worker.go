package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

// slowTask is the duration past which completions are logged at info.
const slowTask = 750 * time.Millisecond

// drain runs queued tasks until ctx ends or the pool starts stopping.
// Stopping wins over work still in the queue.
func (s *Service) drain(ctx context.Context, p *pool) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for ctx.Err() == nil && !p.stopping() {
		select {
		case <-ctx.Done():
		case <-p.closing:
		case qt := <-p.queue:
			s.busy.Add(1)
			s.execOne(ctx, p, qt, rng)
			s.busy.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, p *pool, qt queuedTask, rng *rand.Rand) {
	if qt.track {
		defer qt.state.release()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	start := time.Now()
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start}
	if !qt.enqueuedAt.IsZero() {
		ev.QueueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}

	if cfg.MaxQueueDelay > 0 && ev.QueueDelay > cfg.MaxQueueDelay {
		s.dropped(start, t, ReasonStale, ev.QueueDelay)
		ev.Reason = ReasonStale
		s.appendHistory(cfg, ev)
		qt.opt.dropped(ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", ev.QueueDelay))
	s.publish(eventbus.TypeTaskStarted, ev)

	attempts, err := s.attempt(ctx, p, qt, rng)
	ev.Duration = time.Since(start)
	ev.Attempts = attempts

	typ := eventbus.TypeTaskFinished
	fields := []logx.Field{logx.String("task", t.Name), logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts)}
	switch {
	case err != nil:
		typ = eventbus.TypeTaskFailed
		ev.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
	case ev.Duration >= slowTask:
		s.log.Info("task.completed", fields...)
	default:
		s.log.Debug("task.completed", fields...)
	}
	s.publish(typ, ev)

	if pol, ok := policyFor(cfg, qt.opt); ok {
		s.breakers.record(time.Now(), t.Name, pol, err)
	}
	s.appendHistory(cfg, ev)
}

// attempt runs qt up to 1+RetryMax times and reports how many runs it took.
// A permanent error ends it at once; ctx or a stopping pool end it while
// waiting between tries.
func (s *Service) attempt(ctx context.Context, p *pool, qt queuedTask, rng *rand.Rand) (n int, err error) {
	for n = 1; ; n++ {
		if err = s.runOnce(ctx, qt); err == nil {
			return n, nil
		}
		if perr, stop := permanent(err); stop {
			return n, perr
		}
		if n > qt.opt.RetryMax {
			return n, err
		}

		d := retryWait(qt.opt, n, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", n+1), logx.Duration("delay", d), logx.Err(err))
		tm := time.NewTimer(d)
		select {
		case <-ctx.Done():
			tm.Stop()
			return n, ctx.Err()
		case <-p.closing:
			tm.Stop()
			return n, ErrStopping
		case <-tm.C:
		}
	}
}

// runOnce runs a single attempt under the task timeout. A panic becomes the
// attempt's error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// retryWait is the pause after the given 1-based attempt. A RetryAfterError
// hint replaces the doubling from RetryBase; both are capped at RetryMaxDelay
// before jitter.
func retryWait(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	var hinted RetryAfterError
	if errors.As(err, &hinted) {
		return jitter(capDelay(hinted.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	d := opt.RetryBase
	for i := 1; i < attempt && (opt.RetryMaxDelay <= 0 || d < opt.RetryMaxDelay); i++ {
		d *= 2
	}
	return jitter(capDelay(d, opt.RetryMaxDelay), opt, rng)
}

func capDelay(d, ceil time.Duration) time.Duration {
	d = max(d, 0)
	if ceil > 0 {
		d = min(d, ceil)
	}
	return d
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter <= 0 || d <= 0 || rng == nil {
		return d
	}
	spread := (rng.Float64()*2 - 1) * opt.RetryJitter
	return capDelay(time.Duration(float64(d)*(1+spread)), opt.RetryMaxDelay)
}
