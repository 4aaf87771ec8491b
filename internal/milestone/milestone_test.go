package milestone

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/domain"
	"halftimebot/internal/eventbus"
	"halftimebot/internal/task/engine"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

var est = time.FixedZone("EST", -5*3600)

type fakeTimer struct {
	name string
	at   time.Time
	opt  scheduler.TaskOptions
	job  scheduler.Job
}

type fakeTimers struct {
	mu      sync.Mutex
	armed   map[string]fakeTimer
	history []fakeTimer
}

func newFakeTimers() *fakeTimers { return &fakeTimers{armed: map[string]fakeTimer{}} }

func (f *fakeTimers) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := fakeTimer{name: name, at: at, opt: opt, job: job}
	f.armed[name] = ft
	f.history = append(f.history, ft)
	return name, nil
}

func (f *fakeTimers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[name]
	delete(f.armed, name)
	return ok
}

func (f *fakeTimers) Has(name string) bool {
	_, ok := f.get(name)
	return ok
}

// refuse clears the armed timer for name and reports its job as dropped,
// the way the scheduler does when the engine will not run it.
func (f *fakeTimers) refuse(t *testing.T, name string, reason error) {
	t.Helper()
	f.mu.Lock()
	ft, ok := f.armed[name]
	delete(f.armed, name)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no armed timer %q", name)
	}
	require.NotNil(t, ft.opt.OnDrop, "poll options must carry a drop callback")
	ft.opt.OnDrop(reason)
}

func (f *fakeTimers) get(name string) (fakeTimer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.armed[name]
	return ft, ok
}

// fire runs the armed timer for name the way the scheduler does: the slot
// is cleared before the job runs.
func (f *fakeTimers) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	ft, ok := f.armed[name]
	delete(f.armed, name)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no armed timer %q", name)
	}
	_ = ft.job(context.Background())
}

type fakeOracle struct {
	mu       sync.Mutex
	statuses []domain.GameStatus
	errs     []error
	stats    []domain.PlayerStatLine
	calls    int
}

func (o *fakeOracle) Status(ctx context.Context, gameID int) (domain.GameStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	o.calls++
	if i < len(o.errs) && o.errs[i] != nil {
		return domain.GameStatus{}, o.errs[i]
	}
	if len(o.statuses) == 0 {
		return domain.GameStatus{GameID: gameID}, nil
	}
	if i >= len(o.statuses) {
		i = len(o.statuses) - 1
	}
	return o.statuses[i], nil
}

func (o *fakeOracle) PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats, nil
}

func (o *fakeOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type recorder struct {
	mu    sync.Mutex
	calls []domain.MilestoneKind
}

func (r *recorder) handle(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error {
	r.mu.Lock()
	r.calls = append(r.calls, kind)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testEvent() domain.Event {
	return domain.Event{
		CatalogID: "ev-1",
		OracleID:  42,
		Home:      domain.TeamRef{Name: "A", Code: "AAA"},
		Away:      domain.TeamRef{Name: "B", Code: "BBB"},
		LocalDate: "2024-03-01",
		LocalTime: "19:30",
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestTracker(timers Timers, o Oracle, h Handler, bus eventbus.Bus) (*Tracker, *clock) {
	tr := NewTracker(timers, o, h, Policy{}, logx.Nop(), bus)
	c := &clock{}
	tr.now = c.Now
	return tr, c
}

func TestComputeDeadlines(t *testing.T) {
	d, err := ComputeDeadlines(testEvent(), DefaultOffsets(), est)
	require.NoError(t, err)
	start := time.Date(2024, 3, 1, 19, 30, 0, 0, est)
	assert.True(t, d.Start.Equal(start))
	assert.True(t, d.Halftime.Equal(start.Add(60*time.Minute)))
	assert.True(t, d.EndOfGame.Equal(start.Add(180*time.Minute)))
	assert.Equal(t, d.Halftime, d.For(domain.Halftime))
	assert.Equal(t, d.EndOfGame, d.For(domain.EndOfGame))

	d, err = ComputeDeadlines(testEvent(), Offsets{Halftime: time.Hour + 5*time.Minute, EndOfGame: 2 * time.Hour}, est)
	require.NoError(t, err)
	assert.True(t, d.Halftime.Equal(start.Add(65*time.Minute)))
	assert.True(t, d.EndOfGame.Equal(start.Add(2*time.Hour)))
}

func TestComputeDeadlinesRejectsMalformedTimes(t *testing.T) {
	cases := []struct{ date, clock string }{
		{"", "19:30"},
		{"2024-03-01", ""},
		{"03/01/2024", "19:30"},
		{"2024-03-01", "7:30 PM"},
		{"2024-02-30", "19:30"},
	}
	for _, tc := range cases {
		e := testEvent()
		e.LocalDate, e.LocalTime = tc.date, tc.clock
		_, err := ComputeDeadlines(e, DefaultOffsets(), est)
		if !errors.Is(err, domain.ErrInvalidEventTime) {
			t.Fatalf("%q %q: err=%v", tc.date, tc.clock, err)
		}
	}
}

func TestHalftimeFiresOnceAfterTwoMisses(t *testing.T) {
	timers := newFakeTimers()
	oracle := &fakeOracle{statuses: []domain.GameStatus{{}, {}, {Halftime: true}}}
	rec := &recorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	tr, clk := newTestTracker(timers, oracle, rec.handle, bus)
	e := testEvent()
	d, err := ComputeDeadlines(e, DefaultOffsets(), est)
	require.NoError(t, err)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Start)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, tr.Policy().AbandonAt(d, domain.Halftime)))
	armed, ok := timers.get(key.String())
	require.True(t, ok)
	assert.True(t, armed.at.Equal(d.Halftime))

	now := d.Halftime
	for i := 0; i < 2; i++ {
		clk.Set(now)
		timers.fire(t, key.String())
		job, _ := tr.Job(key)
		assert.Equal(t, domain.JobRescheduled, job.Status)
		next, ok := timers.get(key.String())
		require.True(t, ok, "poll %d should reschedule", i+1)
		assert.True(t, next.at.Equal(now.Add(DefaultRetryInterval)))
		now = next.at
	}

	clk.Set(now)
	timers.fire(t, key.String())

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 3, oracle.Calls())
	job, ok := tr.Job(key)
	require.True(t, ok)
	assert.Equal(t, domain.JobFired, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.True(t, job.FiredAt.Equal(d.Halftime.Add(2*DefaultRetryInterval)))
	_, ok = timers.get(key.String())
	assert.False(t, ok, "fired job must not leave a timer")

	// Superseded callbacks that still run must not poll or fire again.
	for _, old := range timers.history {
		_ = old.job(context.Background())
	}
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 3, oracle.Calls())

	// Re-discovery of a fired key is a no-op.
	require.NoError(t, tr.Track(e, domain.Halftime, now, now.Add(time.Hour)))
	_, ok = timers.get(key.String())
	assert.False(t, ok)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{
		eventbus.TypeMilestoneScheduled,
		eventbus.TypeMilestoneRescheduled,
		eventbus.TypeMilestoneRescheduled,
		eventbus.TypeMilestoneFired,
	}, types)
}

func TestPollErrorIsRetried(t *testing.T) {
	timers := newFakeTimers()
	oracle := &fakeOracle{errs: []error{errors.New("502")}, statuses: []domain.GameStatus{{}, {Halftime: true}}}
	rec := &recorder{}
	tr, clk := newTestTracker(timers, oracle, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Halftime)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	timers.fire(t, key.String())
	job, _ := tr.Job(key)
	assert.Equal(t, domain.JobRescheduled, job.Status)
	assert.Equal(t, "502", job.LastError)

	timers.fire(t, key.String())
	assert.Equal(t, 1, rec.count())
}

func TestRetriesStopAtDeadline(t *testing.T) {
	timers := newFakeTimers()
	rec := &recorder{}
	tr, clk := newTestTracker(timers, &fakeOracle{}, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Halftime)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, tr.Policy().AbandonAt(d, domain.Halftime)))
	clk.Set(d.EndOfGame.Add(-2 * time.Minute))
	timers.fire(t, key.String())

	job, _ := tr.Job(key)
	assert.Equal(t, domain.JobCancelled, job.Status)
	_, ok := timers.get(key.String())
	assert.False(t, ok)
	assert.Zero(t, rec.count())
}

func TestHalftimeMissedWhenGameFinished(t *testing.T) {
	timers := newFakeTimers()
	rec := &recorder{}
	tr, clk := newTestTracker(timers, &fakeOracle{statuses: []domain.GameStatus{{Finished: true}}}, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Halftime)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	timers.fire(t, key.String())
	job, _ := tr.Job(key)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.Zero(t, rec.count())
}

func TestEndOfGameWaitsForFinalStats(t *testing.T) {
	timers := newFakeTimers()
	oracle := &fakeOracle{statuses: []domain.GameStatus{{}, {Finished: true}, {Finished: true}}}
	rec := &recorder{}
	tr, clk := newTestTracker(timers, oracle, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.EndOfGame}

	clk.Set(d.EndOfGame)
	require.NoError(t, tr.Track(e, domain.EndOfGame, d.EndOfGame, tr.Policy().AbandonAt(d, domain.EndOfGame)))

	timers.fire(t, key.String()) // still in play
	timers.fire(t, key.String()) // finished, box score not published yet
	assert.Zero(t, rec.count())

	oracle.mu.Lock()
	oracle.stats = []domain.PlayerStatLine{{PlayerName: "X", Points: 10}}
	oracle.mu.Unlock()
	timers.fire(t, key.String())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, domain.EndOfGame, rec.calls[0])
}

func TestTrackSkipsPassedDeadline(t *testing.T) {
	timers := newFakeTimers()
	tr, clk := newTestTracker(timers, &fakeOracle{}, nil, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	clk.Set(d.EndOfGame.Add(time.Minute))

	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	job, ok := tr.Job(domain.JobKey{EventID: "42", Kind: domain.Halftime})
	require.True(t, ok)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.Empty(t, timers.history)
}

func TestConcurrentTrackAndDuplicateFiringsRunOnce(t *testing.T) {
	timers := newFakeTimers()
	oracle := &fakeOracle{statuses: []domain.GameStatus{{Halftime: true}}}
	rec := &recorder{}
	tr, clk := newTestTracker(timers, oracle, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	clk.Set(d.Halftime)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame)
		}()
	}
	wg.Wait()
	require.Len(t, timers.history, 1)

	armed, ok := timers.get(key.String())
	require.True(t, ok)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = armed.job(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, oracle.Calls())
}

func TestCancelAndReset(t *testing.T) {
	timers := newFakeTimers()
	tr, clk := newTestTracker(timers, &fakeOracle{}, nil, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	clk.Set(d.Start)

	_, err := tr.TrackEvent(e, DefaultOffsets(), est)
	require.NoError(t, err)
	require.Len(t, tr.Jobs(), 2)
	assert.Equal(t, domain.Halftime, tr.Jobs()[0].Key.Kind)

	assert.True(t, tr.Cancel(domain.JobKey{EventID: "42", Kind: domain.Halftime}))
	assert.False(t, tr.Cancel(domain.JobKey{EventID: "42", Kind: domain.Halftime}))
	_, ok := timers.get("check-halftime-42")
	assert.False(t, ok)

	assert.Equal(t, 1, tr.Reset())
	assert.Empty(t, tr.Jobs())
	assert.Empty(t, timers.armed)

	assert.Zero(t, tr.Prune(d.EndOfGame.Add(24*time.Hour)))
}

func TestTrackerWithScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), nil)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{Enabled: true}, eng, logx.Nop(), nil)
	sched.Start(ctx)
	t.Cleanup(func() {
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		sched.Stop(sctx)
		eng.Stop(sctx)
	})

	oracle := &fakeOracle{statuses: []domain.GameStatus{{}, {}, {Halftime: true}}}
	var fired atomic.Int32
	tr := NewTracker(sched, oracle, func(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error {
		fired.Add(1)
		return nil
	}, Policy{RetryInterval: 20 * time.Millisecond}, logx.Nop(), nil)

	now := time.Now()
	require.NoError(t, tr.Track(testEvent(), domain.Halftime, now.Add(10*time.Millisecond), now.Add(5*time.Second)))

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 3, oracle.Calls())
	assert.False(t, sched.Has("check-halftime-42"))
}

func TestDroppedPollIsRetried(t *testing.T) {
	timers := newFakeTimers()
	oracle := &fakeOracle{statuses: []domain.GameStatus{{Halftime: true}}}
	rec := &recorder{}
	tr, clk := newTestTracker(timers, oracle, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Halftime)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	timers.refuse(t, key.String(), engine.ErrStale)

	job, _ := tr.Job(key)
	assert.Equal(t, domain.JobRescheduled, job.Status)
	assert.Contains(t, job.LastError, "poll not run")
	next, ok := timers.get(key.String())
	require.True(t, ok, "a dropped poll must be re-armed")
	assert.True(t, next.at.Equal(d.Halftime.Add(DefaultRetryInterval)))
	assert.Zero(t, oracle.Calls())

	clk.Set(next.at)
	timers.fire(t, key.String())
	assert.Equal(t, 1, rec.count())
	job, _ = tr.Job(key)
	assert.Equal(t, domain.JobFired, job.Status)

	// A late drop report for a superseded timer changes nothing.
	next.opt.OnDrop(engine.ErrStopping)
	job, _ = tr.Job(key)
	assert.Equal(t, domain.JobFired, job.Status)
	assert.False(t, timers.Has(key.String()))
}

func TestDroppedPollPastDeadlineCancels(t *testing.T) {
	timers := newFakeTimers()
	rec := &recorder{}
	tr, clk := newTestTracker(timers, &fakeOracle{}, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Halftime)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	clk.Set(d.EndOfGame.Add(-time.Minute))
	timers.refuse(t, key.String(), engine.ErrStopped)

	job, _ := tr.Job(key)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.False(t, timers.Has(key.String()))
}

func TestTrackRearmsJobWithoutTimer(t *testing.T) {
	timers := newFakeTimers()
	rec := &recorder{}
	tr, clk := newTestTracker(timers, &fakeOracle{statuses: []domain.GameStatus{{Halftime: true}}}, rec.handle, nil)
	e := testEvent()
	d, _ := ComputeDeadlines(e, DefaultOffsets(), est)
	key := domain.JobKey{EventID: "42", Kind: domain.Halftime}

	clk.Set(d.Start)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	timers.Remove(key.String())

	later := d.Halftime.Add(10 * time.Minute)
	clk.Set(later)
	require.NoError(t, tr.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	armed, ok := timers.get(key.String())
	require.True(t, ok, "re-discovery must re-arm a waiting job")
	assert.True(t, armed.at.Equal(later), "a past first poll runs now")

	timers.fire(t, key.String())
	assert.Equal(t, 1, rec.count())

	// Nothing to re-arm once the deadline is gone.
	timers2 := newFakeTimers()
	tr2, clk2 := newTestTracker(timers2, &fakeOracle{}, rec.handle, nil)
	clk2.Set(d.Start)
	require.NoError(t, tr2.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	timers2.Remove(key.String())
	clk2.Set(d.EndOfGame.Add(time.Minute))
	require.NoError(t, tr2.Track(e, domain.Halftime, d.Halftime, d.EndOfGame))
	job, _ := tr2.Job(key)
	assert.Equal(t, domain.JobCancelled, job.Status)
	assert.False(t, timers2.Has(key.String()))
}

func TestTrackerRecoversPollDroppedByEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, MaxQueueDelay: 20 * time.Millisecond}, logx.Nop(), nil)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{Enabled: true}, eng, logx.Nop(), nil)
	sched.Start(ctx)
	t.Cleanup(func() {
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		sched.Stop(sctx)
		eng.Stop(sctx)
	})

	// Hold the only worker long enough for the first poll to go stale.
	busy := make(chan struct{})
	require.NoError(t, eng.Enqueue(engine.Task{Name: "discover", Run: func(ctx context.Context) error {
		close(busy)
		time.Sleep(150 * time.Millisecond)
		return nil
	}}))
	<-busy

	oracle := &fakeOracle{statuses: []domain.GameStatus{{Halftime: true}}}
	var fired atomic.Int32
	tr := NewTracker(sched, oracle, func(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error {
		fired.Add(1)
		return nil
	}, Policy{RetryInterval: 50 * time.Millisecond}, logx.Nop(), nil)

	now := time.Now()
	require.NoError(t, tr.Track(testEvent(), domain.Halftime, now, now.Add(5*time.Second)))

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	job, ok := tr.Job(domain.JobKey{EventID: "42", Kind: domain.Halftime})
	require.True(t, ok)
	assert.Equal(t, domain.JobFired, job.Status)
	assert.Equal(t, 1, oracle.Calls())
	var stale int
	for _, h := range eng.Snapshot().History {
		if h.Reason == engine.ReasonStale {
			stale++
		}
	}
	assert.Equal(t, 1, stale, "the first poll went stale behind the busy worker")
}
