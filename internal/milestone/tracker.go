package milestone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"halftimebot/internal/domain"
	"halftimebot/internal/eventbus"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

const (
	DefaultRetryInterval  = 5 * time.Minute
	DefaultEndOfGameGrace = 3 * time.Hour
	DefaultPollTimeout    = 30 * time.Second
	DefaultHandlerTimeout = 2 * time.Minute
)

// Timers is a keyed one-shot timer registry. Adding a name that is already
// armed must replace the old timer so it can never fire. A job that is given
// up without running must be reported through opt.OnDrop.
type Timers interface {
	AddOnceOpt(name string, at time.Time, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error)
	Remove(name string) bool
	Has(name string) bool
}

// Handler runs once when a milestone is observed.
type Handler func(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error

type Policy struct {
	RetryInterval  time.Duration
	EndOfGameGrace time.Duration
	PollTimeout    time.Duration
	HandlerTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	if p.EndOfGameGrace <= 0 {
		p.EndOfGameGrace = DefaultEndOfGameGrace
	}
	if p.PollTimeout <= 0 {
		p.PollTimeout = DefaultPollTimeout
	}
	if p.HandlerTimeout <= 0 {
		p.HandlerTimeout = DefaultHandlerTimeout
	}
	return p
}

// AbandonAt is when retries for kind stop. Halftime polling gives up at the
// end-of-game deadline; end-of-game polling gets an extra grace period.
func (p Policy) AbandonAt(d Deadlines, kind domain.MilestoneKind) time.Time {
	p = p.withDefaults()
	if kind == domain.EndOfGame {
		return d.EndOfGame.Add(p.EndOfGameGrace)
	}
	return d.EndOfGame
}

// Each poll runs as its own engine task. Retries are the tracker's job, so
// the engine must not retry or trip a circuit on a single poll.
var pollTaskOptions = scheduler.TaskOptions{
	Overlap:             scheduler.OverlapAllow,
	RetryMax:            -1,
	CircuitTripFailures: -1,
}

type job struct {
	domain.MilestoneJob
	event domain.Event
	gen   uint64
}

type Tracker struct {
	timers Timers
	oracle Oracle
	handle Handler
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu   sync.Mutex
	pol  Policy
	jobs map[domain.JobKey]*job
	// seq hands out timer generations. It is tracker wide so a job that
	// replaces a cancelled or reset one never reuses a stale generation.
	seq uint64
}

func NewTracker(timers Timers, oracle Oracle, handle Handler, pol Policy, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		timers: timers,
		oracle: oracle,
		handle: handle,
		pol:    pol.withDefaults(),
		log:    log.With(logx.String("comp", "milestone")),
		bus:    bus,
		now:    time.Now,
		jobs:   map[domain.JobKey]*job{},
	}
}

// Apply swaps the polling policy. Armed timers keep their next-fire time.
func (t *Tracker) Apply(pol Policy) {
	t.mu.Lock()
	t.pol = pol.withDefaults()
	t.mu.Unlock()
}

func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pol
}

// Track installs the first probe for (e, kind) at firstAt. Retries stop once
// abandonAt has passed. Tracking a key that is already live or has fired is
// a no-op, so repeated discovery runs are harmless; a waiting job that lost
// its timer is re-armed instead.
func (t *Tracker) Track(e domain.Event, kind domain.MilestoneKind, firstAt, abandonAt time.Time) error {
	key := domain.JobKey{EventID: e.EventID(), Kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()
	if j := t.jobs[key]; j != nil && j.Status != domain.JobCancelled {
		if !t.orphanedLocked(j) {
			return nil
		}
		t.log.Warn("milestone timer lost; re-arming", logx.String("job", key.String()), logx.String("status", string(j.Status)))
		return t.rearmLocked(j, firstAt)
	}
	j := &job{
		MilestoneJob: domain.MilestoneJob{
			Key:           key,
			Label:         e.GameLabel(),
			NextFire:      firstAt,
			RetryInterval: t.pol.RetryInterval,
			Status:        domain.JobScheduled,
			Deadline:      abandonAt,
		},
		event: e,
	}
	t.jobs[key] = j

	if !abandonAt.After(t.now()) {
		j.Status = domain.JobCancelled
		j.LastError = "deadline already passed"
		t.log.Debug("milestone not tracked; deadline passed", logx.String("job", key.String()), logx.Time("deadline", abandonAt))
		return nil
	}
	if err := t.installLocked(j, firstAt); err != nil {
		j.Status = domain.JobCancelled
		j.LastError = err.Error()
		return fmt.Errorf("track %s: %w", key, err)
	}
	t.log.Info("milestone scheduled",
		logx.String("job", key.String()),
		logx.String("game", j.Label),
		logx.Time("at", firstAt),
		logx.Time("deadline", abandonAt),
	)
	t.publishLocked(eventbus.TypeMilestoneScheduled, j)
	return nil
}

// installLocked arms (or re-arms) the key's single timer slot. Call with t.mu held.
func (t *Tracker) installLocked(j *job, at time.Time) error {
	gen := t.bumpLocked(j)
	key := j.Key
	timeout := t.pol.PollTimeout + t.pol.HandlerTimeout
	opt := pollTaskOptions
	opt.OnDrop = func(reason error) { t.undelivered(key, gen, reason) }
	_, err := t.timers.AddOnceOpt(key.String(), at, timeout, opt, func(ctx context.Context) error {
		return t.poll(ctx, key, gen)
	})
	if err != nil {
		return err
	}
	j.NextFire = at
	return nil
}

func (t *Tracker) poll(ctx context.Context, key domain.JobKey, gen uint64) error {
	t.mu.Lock()
	j := t.jobs[key]
	if j == nil || j.gen != gen || j.Status.Terminal() || j.Status == domain.JobPolling {
		t.mu.Unlock()
		return nil
	}
	j.Status = domain.JobPolling
	j.Attempts++
	ev := j.event
	pollTimeout := t.pol.PollTimeout
	t.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pollTimeout)
	res, perr := probe(pctx, t.oracle, ev, key.Kind)
	cancel()

	t.mu.Lock()
	if j.gen != gen || j.Status != domain.JobPolling {
		// Cancelled or reset while the probe was in flight.
		t.mu.Unlock()
		return nil
	}
	now := t.now()
	switch {
	case perr == nil && res == reached:
		j.Status = domain.JobFired
		j.FiredAt = now
		j.LastError = ""
		t.bumpLocked(j)
		t.log.Info("milestone fired", logx.String("job", key.String()), logx.String("game", j.Label), logx.Int("attempts", j.Attempts))
		t.publishLocked(eventbus.TypeMilestoneFired, j)
		handle := t.handle
		hto := t.pol.HandlerTimeout
		t.mu.Unlock()
		return t.runHandler(ctx, handle, hto, ev, key)

	case perr == nil && res == missed:
		t.cancelLocked(j, "milestone can no longer be observed")
		t.mu.Unlock()
		return nil
	}

	if perr != nil {
		j.LastError = perr.Error()
		t.log.Warn("milestone poll failed", logx.String("job", key.String()), logx.Int("attempt", j.Attempts), logx.Err(perr))
	} else {
		j.LastError = ""
	}
	err := t.retryLocked(j, now)
	t.mu.Unlock()
	return err
}

// undelivered handles a poll the engine gave up on before it ran. It counts
// as "not yet": the job retries after RetryInterval like any other miss.
func (t *Tracker) undelivered(key domain.JobKey, gen uint64, reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.jobs[key]
	if j == nil || j.gen != gen || j.Status.Terminal() || j.Status == domain.JobPolling {
		return
	}
	j.LastError = "poll not run: " + reason.Error()
	t.log.Warn("milestone poll dropped", logx.String("job", key.String()), logx.Err(reason))
	_ = t.retryLocked(j, t.now())
}

// retryLocked arms the next poll one RetryInterval after now, or cancels j
// when that would pass its deadline. Call with t.mu held.
func (t *Tracker) retryLocked(j *job, now time.Time) error {
	next := now.Add(t.pol.RetryInterval)
	if next.After(j.Deadline) {
		t.cancelLocked(j, "retry deadline passed")
		return nil
	}
	j.Status = domain.JobRescheduled
	j.RetryInterval = t.pol.RetryInterval
	if err := t.installLocked(j, next); err != nil {
		t.cancelLocked(j, "reschedule failed: "+err.Error())
		return err
	}
	t.log.Debug("milestone rescheduled", logx.String("job", j.Key.String()), logx.Time("next", next), logx.Int("attempt", j.Attempts))
	t.publishLocked(eventbus.TypeMilestoneRescheduled, j)
	return nil
}

// orphanedLocked reports whether j waits for a poll that no timer will run.
func (t *Tracker) orphanedLocked(j *job) bool {
	waiting := j.Status == domain.JobScheduled || j.Status == domain.JobRescheduled
	return waiting && t.timers != nil && !t.timers.Has(j.Key.String())
}

// rearmLocked reinstalls j's poll at at, or now if that is earlier.
func (t *Tracker) rearmLocked(j *job, at time.Time) error {
	now := t.now()
	if !j.Deadline.After(now) {
		t.cancelLocked(j, "retry deadline passed")
		return nil
	}
	at = maxTime(at, now)
	if err := t.installLocked(j, at); err != nil {
		t.cancelLocked(j, "re-arm failed: "+err.Error())
		return fmt.Errorf("track %s: %w", j.Key, err)
	}
	t.publishLocked(eventbus.TypeMilestoneRescheduled, j)
	return nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func (t *Tracker) runHandler(ctx context.Context, handle Handler, timeout time.Duration, ev domain.Event, key domain.JobKey) (err error) {
	if handle == nil {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("milestone handler panic: %v", r)
		}
		if err != nil {
			t.log.Error("milestone handler failed", logx.String("job", key.String()), logx.Err(err))
			eventbus.Publish(t.bus, eventbus.TypePipelineFailed, map[string]any{
				"job":   key.String(),
				"error": err.Error(),
			})
		}
	}()
	return handle(hctx, ev, key.Kind)
}

func (t *Tracker) bumpLocked(j *job) uint64 {
	t.seq++
	j.gen = t.seq
	return j.gen
}

// cancelLocked makes j terminal and drops its timer. Call with t.mu held.
func (t *Tracker) cancelLocked(j *job, reason string) {
	j.Status = domain.JobCancelled
	t.bumpLocked(j)
	if reason != "" {
		j.LastError = reason
	}
	if t.timers != nil {
		t.timers.Remove(j.Key.String())
	}
	t.log.Info("milestone cancelled", logx.String("job", j.Key.String()), logx.String("reason", reason), logx.Int("attempts", j.Attempts))
	t.publishLocked(eventbus.TypeMilestoneCancelled, j)
}

func (t *Tracker) publishLocked(typ string, j *job) {
	eventbus.Publish(t.bus, typ, j.MilestoneJob)
}

// Cancel stops a live job. It reports whether anything was cancelled.
func (t *Tracker) Cancel(key domain.JobKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.jobs[key]
	if j == nil || j.Status.Terminal() {
		return false
	}
	t.cancelLocked(j, "cancelled")
	return true
}

// Reset cancels every live job and forgets all state.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, j := range t.jobs {
		if !j.Status.Terminal() {
			t.cancelLocked(j, "reset")
			n++
		}
	}
	t.jobs = map[domain.JobKey]*job{}
	return n
}

// Prune forgets terminal jobs whose deadline is before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, j := range t.jobs {
		if j.Status.Terminal() && j.Deadline.Before(cutoff) {
			delete(t.jobs, k)
			n++
		}
	}
	return n
}

func (t *Tracker) Job(key domain.JobKey) (domain.MilestoneJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.jobs[key]
	if j == nil {
		return domain.MilestoneJob{}, false
	}
	return j.MilestoneJob, true
}

// Jobs returns every known job, soonest first.
func (t *Tracker) Jobs() []domain.MilestoneJob {
	t.mu.Lock()
	out := make([]domain.MilestoneJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.MilestoneJob)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextFire.Equal(out[k].NextFire) {
			return out[i].Key.String() < out[k].Key.String()
		}
		return out[i].NextFire.Before(out[k].NextFire)
	})
	return out
}

// ErrNoTimers is returned by TrackEvent when the tracker has no registry.
var ErrNoTimers = errors.New("milestone: no timer registry")

// TrackEvent computes both deadlines for e and tracks each milestone.
func (t *Tracker) TrackEvent(e domain.Event, off Offsets, loc *time.Location) (Deadlines, error) {
	if t.timers == nil {
		return Deadlines{}, ErrNoTimers
	}
	d, err := ComputeDeadlines(e, off, loc)
	if err != nil {
		return Deadlines{}, err
	}
	pol := t.Policy()
	var errs []error
	for _, kind := range []domain.MilestoneKind{domain.Halftime, domain.EndOfGame} {
		if err := t.Track(e, kind, d.For(kind), pol.AbandonAt(d, kind)); err != nil {
			errs = append(errs, err)
		}
	}
	return d, errors.Join(errs...)
}
