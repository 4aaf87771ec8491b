package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/catalog"
	"halftimebot/internal/domain"
	"halftimebot/internal/eventbus"
	"halftimebot/internal/milestone"
	"halftimebot/internal/task/engine"
	"halftimebot/internal/task/scheduler"
	logx "halftimebot/pkg/logx"
)

type fakeResolver struct {
	events []domain.Event
	err    error
	calls  int
	start  time.Time
	end    time.Time
}

func (f *fakeResolver) Resolve(ctx context.Context, start, end time.Time) ([]domain.Event, error) {
	f.calls++
	f.start, f.end = start, end
	return f.events, f.err
}

func (f *fakeResolver) Location() *time.Location { return time.UTC }

// fakeTracker tracks each event once, like the real tracker.
type fakeTracker struct {
	mu      sync.Mutex
	tracked map[int]int
	pruned  []time.Time
}

func (f *fakeTracker) TrackEvent(e domain.Event, off milestone.Offsets, loc *time.Location) (milestone.Deadlines, error) {
	d, err := milestone.ComputeDeadlines(e, off, loc)
	if err != nil {
		return d, err
	}
	f.mu.Lock()
	if f.tracked == nil {
		f.tracked = map[int]int{}
	}
	f.tracked[e.OracleID]++
	f.mu.Unlock()
	return d, nil
}

func (f *fakeTracker) Prune(cutoff time.Time) int {
	f.pruned = append(f.pruned, cutoff)
	return 1
}

type fakeCache struct{ cleared int }

func (f *fakeCache) Clear() { f.cleared++ }

type fakeSchedules struct {
	names []string
	specs []string
	opts  []scheduler.TaskOptions
	jobs  map[string]scheduler.Job
}

func (f *fakeSchedules) AddScheduleOpt(name, schedule string, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error) {
	f.names = append(f.names, name)
	f.specs = append(f.specs, schedule)
	f.opts = append(f.opts, opt)
	if f.jobs == nil {
		f.jobs = map[string]scheduler.Job{}
	}
	f.jobs[name] = job
	return name, nil
}

func (f *fakeSchedules) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) (string, error) {
	f.names = append(f.names, name)
	if f.jobs == nil {
		f.jobs = map[string]scheduler.Job{}
	}
	f.jobs[name] = job
	return name, nil
}

var fixedNow = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func events() []domain.Event {
	return []domain.Event{
		{CatalogID: "a", OracleID: 1, Home: domain.TeamRef{Name: "A"}, Away: domain.TeamRef{Name: "B"}, LocalDate: "2024-03-01", LocalTime: "19:30"},
		{CatalogID: "c", OracleID: 2, Home: domain.TeamRef{Name: "C"}, Away: domain.TeamRef{Name: "D"}, LocalDate: "2024-03-01", LocalTime: "7:30 PM"},
	}
}

func newDriver(r Resolver, tr Tracker, cache Cache, bus eventbus.Bus) *Driver {
	d := New(Config{Window: catalog.DefaultPolicy()}, r, tr, nil, cache, logx.Nop(), bus)
	d.now = func() time.Time { return fixedNow }
	return d
}

func TestDiscoverTracksResolvedEvents(t *testing.T) {
	res := &fakeResolver{events: events()}
	tr := &fakeTracker{}
	cache := &fakeCache{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	d := newDriver(res, tr, cache, bus)
	rep, err := d.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), res.start)
	assert.Equal(t, time.Date(2024, 3, 2, 22, 0, 0, 0, time.UTC), res.end)
	assert.Equal(t, 1, rep.Tracked)
	assert.Equal(t, 1, rep.Skipped, "malformed local time is skipped")
	assert.Equal(t, "manual", rep.Trigger)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 2, d.Catalog().Len())
	assert.Equal(t, 1, cache.cleared)
	assert.Equal(t, []time.Time{res.start}, tr.pruned)

	ev := <-ch
	assert.Equal(t, eventbus.TypeDiscoveryCompleted, ev.Type)

	last, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestDiscoverIsRepeatable(t *testing.T) {
	res := &fakeResolver{events: events()[:1]}
	tr := &fakeTracker{}
	d := newDriver(res, tr, nil, nil)
	for i := 0; i < 3; i++ {
		_, err := d.Discover(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, res.calls)
	assert.Equal(t, 1, d.Catalog().Len())
}

func TestDiscoverFailureKeepsPreviousCatalog(t *testing.T) {
	res := &fakeResolver{events: events()}
	d := newDriver(res, &fakeTracker{}, nil, nil)
	_, err := d.Discover(context.Background())
	require.NoError(t, err)

	res.err = &domain.UpstreamError{Op: "market events", Err: errors.New("503")}
	rep, err := d.Discover(context.Background())
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.NotEmpty(t, rep.Error)
	assert.Equal(t, 2, d.Catalog().Len())
}

func TestRegisterInstallsCronAndBootRun(t *testing.T) {
	res := &fakeResolver{events: events()[:1]}
	d := newDriver(res, &fakeTracker{}, nil, nil)
	d.Apply(Config{RunOnStart: true})

	s := &fakeSchedules{}
	require.NoError(t, d.Register(s))
	assert.Equal(t, []string{JobName, BootJobName}, s.names)
	assert.Equal(t, []string{DefaultSchedule}, s.specs)
	assert.Equal(t, -1, s.opts[0].RetryMax)
	assert.Equal(t, scheduler.OverlapSkipIfRunning, s.opts[0].Overlap)

	require.NoError(t, s.jobs[BootJobName](context.Background()))
	last, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, "boot", last.Trigger)
}

func TestDiscoverWithRealTracker(t *testing.T) {
	eng := engineForTest(t)
	sched := scheduler.New(scheduler.Config{Enabled: true}, eng, logx.Nop(), nil)
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	oracle := stillPlaying{}
	tr := milestone.NewTracker(sched, oracle, func(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error { return nil }, milestone.Policy{}, logx.Nop(), nil)
	t.Cleanup(func() { tr.Reset() })

	// Tonight's game in UTC so deadlines are in the future relative to the real clock.
	start := time.Now().UTC().Add(2 * time.Hour)
	e := domain.Event{CatalogID: "x", OracleID: 9, Home: domain.TeamRef{Name: "A"}, Away: domain.TeamRef{Name: "B"},
		LocalDate: start.Format("2006-01-02"), LocalTime: start.Format("15:04")}
	d := New(Config{}, &fakeResolver{events: []domain.Event{e}}, tr, nil, nil, logx.Nop(), nil)

	for i := 0; i < 2; i++ {
		rep, err := d.Discover(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Tracked)
	}
	assert.Len(t, tr.Jobs(), 2)
	assert.True(t, sched.Has(domain.JobKey{EventID: "9", Kind: domain.Halftime}.String()))
	assert.True(t, sched.Has(domain.JobKey{EventID: "9", Kind: domain.EndOfGame}.String()))
}

type stillPlaying struct{}

func (stillPlaying) Status(ctx context.Context, gameID int) (domain.GameStatus, error) {
	return domain.GameStatus{GameID: gameID, Status: "In Play"}, nil
}

func (stillPlaying) PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error) {
	return nil, nil
}

func engineForTest(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}
