package notifier

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	historyCap  = 300
)

type job struct {
	m      Message
	sender Sender
	key    string
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one job, retrying with backoff. The rate limiter is waited on
// before every attempt, retries included.
func (s *Service) deliver(ctx context.Context, j job) {
	if j.sender == nil || strings.TrimSpace(j.m.Text) == "" {
		return
	}
	s.mu.Lock()
	cfg, lim, log := s.cfg, s.limiter, s.log
	s.mu.Unlock()

	name := j.sender.Name()
	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil && lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = j.sender.Send(sctx, j.m)
		cancel()
		if err == nil {
			s.remember(name, j.m)
			s.emit(TypeSent, name, j.m, j.key, nil)
			return
		}
		log.Debug("notify send failed", logx.String("sender", name), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	log.Warn("notification dropped after retries", logx.String("sender", name), logx.String("id", j.m.ID), logx.String("key", j.key), logx.Err(err))
	s.emit(TypeFailed, name, j.m, j.key, err)
}

func (s *Service) emit(typ, sender string, m Message, key string, err error) {
	ev := NotificationEvent{Sender: sender, ID: m.ID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}

func (s *Service) remember(sender string, m Message) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sender: sender, ID: m.ID, Text: m.Text})
	if n := len(s.history) - historyCap; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait after the given 1-based attempt: RetryBase doubled
// per attempt, capped at RetryMaxDelay, jittered by +/-30%.
func retryDelay(cfg Config, attempt int) time.Duration {
	base, ceil := cfg.RetryBase, cfg.RetryMaxDelay
	if base <= 0 {
		base = defaultRetryBase
	}
	if ceil <= 0 {
		ceil = defaultRetryMaxDelay
	}
	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	if d > ceil {
		d = ceil
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	if d > ceil {
		d = ceil
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
