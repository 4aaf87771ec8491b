package engine

import (
	"strings"
	"sync"
	"time"
)

const defaultTripFailures = 5

// breakerPolicy is the effective breaker setting for one task.
type breakerPolicy struct {
	trip  int
	base  time.Duration
	ceil  time.Duration
	reset time.Duration
}

// policyFor merges engine and task settings. ok is false when either side
// disables the breaker with a negative threshold.
func policyFor(cfg Config, opt TaskOptions) (p breakerPolicy, ok bool) {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}, false
	}
	p = breakerPolicy{
		trip:  defaultTripFailures,
		base:  cfg.CircuitBaseDelay,
		ceil:  cfg.CircuitMaxDelay,
		reset: cfg.CircuitResetAfter,
	}
	if cfg.CircuitTripFailures > 0 {
		p.trip = cfg.CircuitTripFailures
	}
	if opt.CircuitTripFailures > 0 {
		p.trip = opt.CircuitTripFailures
	}
	return p, true
}

// cooldown doubles base for every failure past the trip point, up to ceil.
func (p breakerPolicy) cooldown(fails int) time.Duration {
	d := p.base
	for n := fails - p.trip; n > 0 && d < p.ceil; n-- {
		d *= 2
	}
	return min(d, p.ceil)
}

type breaker struct {
	fails     int
	lastFail  time.Time
	openUntil time.Time
}

// forget clears a breaker whose last failure is older than the reset window.
func (b *breaker) forget(now time.Time, p breakerPolicy) {
	if p.reset > 0 && !b.lastFail.IsZero() && now.Sub(b.lastFail) > p.reset {
		*b = breaker{}
	}
}

// breakers holds one consecutive-failure breaker per task name. A success
// closes the breaker; trip failures in a row open it for a growing cooldown.
type breakers struct {
	mu     sync.Mutex
	byName map[string]*breaker
}

func (bs *breakers) getLocked(name string) *breaker {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if bs.byName == nil {
		bs.byName = map[string]*breaker{}
	}
	b := bs.byName[name]
	if b == nil {
		b = &breaker{}
		bs.byName[name] = b
	}
	return b
}

// openUntil reports the end of the cooldown for name, zero when closed.
func (bs *breakers) openUntil(now time.Time, name string, p breakerPolicy) time.Time {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.getLocked(name)
	if b == nil {
		return time.Time{}
	}
	b.forget(now, p)
	if now.Before(b.openUntil) {
		return b.openUntil
	}
	return time.Time{}
}

func (bs *breakers) record(now time.Time, name string, p breakerPolicy, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.getLocked(name)
	if b == nil {
		return
	}
	if err == nil {
		*b = breaker{}
		return
	}
	b.forget(now, p)
	b.fails++
	b.lastFail = now
	if b.fails >= p.trip {
		b.openUntil = now.Add(p.cooldown(b.fails))
	}
}

func (bs *breakers) counts(now time.Time) (total, open int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, b := range bs.byName {
		total++
		if now.Before(b.openUntil) {
			open++
		}
	}
	return total, open
}
