package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/domain"
	"halftimebot/internal/feeds/nbaapi"
	"halftimebot/internal/feeds/oddsapi"
	logx "halftimebot/pkg/logx"
)

type fakeMarket struct {
	events   []oddsapi.MarketEvent
	err      error
	from, to time.Time
}

func (f *fakeMarket) Events(ctx context.Context, from, to time.Time) ([]oddsapi.MarketEvent, error) {
	f.from, f.to = from, to
	return f.events, f.err
}

type fakeSchedule struct {
	byDate map[string][]nbaapi.Game
	err    error
	dates  []string
}

func (f *fakeSchedule) Games(ctx context.Context, date string) ([]nbaapi.Game, error) {
	f.dates = append(f.dates, date)
	if f.err != nil {
		return nil, f.err
	}
	return f.byDate[date], nil
}

func game(id int, home, away string, start time.Time) nbaapi.Game {
	var g nbaapi.Game
	g.ID = id
	g.Date.Start = start
	g.Teams.Home = nbaapi.Team{Name: home, Code: home[:3]}
	g.Teams.Visitors = nbaapi.Team{Name: away, Code: away[:3]}
	return g
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 4, 0, 0, time.UTC)
	start, end := Window(now, DefaultPolicy())
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 2, 22, 0, 0, 0, time.UTC), end)

	_, end = Window(now, Policy{CutoffHourUTC: 4})
	assert.Equal(t, time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC), end)

	_, end = Window(now, Policy{CutoffHourUTC: 99})
	assert.Equal(t, 22, end.Hour())
}

func TestMatchTeams(t *testing.T) {
	assert.True(t, MatchTeams("Boston Celtics", "Miami Heat", "Boston Celtics", "Miami Heat"))
	assert.False(t, MatchTeams("Boston Celtics", "Miami Heat", "Miami Heat", "Boston Celtics"))
	assert.False(t, MatchTeams("Boston Celtics", "Miami Heat", "Boston Celtics ", "Miami Heat"))
	assert.False(t, MatchTeams("", "", "", ""))
}

func TestResolveJoinsOnlyMatchedPairs(t *testing.T) {
	loc := newYork(t)
	start, end := Window(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), DefaultPolicy())
	tip := time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)

	market := &fakeMarket{events: []oddsapi.MarketEvent{
		{ID: "ev-1", HomeTeam: "Boston Celtics", AwayTeam: "Miami Heat", CommenceTime: tip},
		{ID: "ev-2", HomeTeam: "Denver Nuggets", AwayTeam: "Utah Jazz", CommenceTime: tip},
	}}
	sched := &fakeSchedule{byDate: map[string][]nbaapi.Game{
		"2024-03-01": {
			game(100, "Boston Celtics", "Miami Heat", tip),
			game(101, "Chicago Bulls", "Detroit Pistons", tip),
		},
		"2024-03-02": {
			// Same game reported again under the next date.
			game(100, "Boston Celtics", "Miami Heat", tip),
			game(102, "Denver Nuggets", "Utah Jazz", end.Add(time.Hour)),
		},
	}}

	r := NewResolver(market, sched, loc, logx.Nop())
	events, err := r.Resolve(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, "ev-1", e.CatalogID)
	assert.Equal(t, 100, e.OracleID)
	assert.Equal(t, "Miami Heat @ Boston Celtics", e.GameLabel())
	assert.Equal(t, "2024-03-01", e.LocalDate)
	assert.Equal(t, "19:30", e.LocalTime)
	assert.Equal(t, tip, e.Start)

	assert.Equal(t, start, market.from)
	assert.Equal(t, end, market.to)
	assert.Equal(t, []string{"2024-02-29", "2024-03-01", "2024-03-02"}, sched.dates)
}

func TestResolveIsRepeatable(t *testing.T) {
	start, end := Window(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), DefaultPolicy())
	tip := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	market := &fakeMarket{events: []oddsapi.MarketEvent{{ID: "a", HomeTeam: "Boston Celtics", AwayTeam: "Miami Heat"}}}
	sched := &fakeSchedule{byDate: map[string][]nbaapi.Game{"2024-03-01": {game(1, "Boston Celtics", "Miami Heat", tip)}}}
	r := NewResolver(market, sched, time.UTC, logx.Nop())

	first, err := r.Resolve(context.Background(), start, end)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveFailsWhenEitherFeedFails(t *testing.T) {
	start, end := Window(time.Now(), DefaultPolicy())
	boom := errors.New("dial tcp: refused")

	r := NewResolver(&fakeMarket{err: boom}, &fakeSchedule{}, time.UTC, logx.Nop())
	_, err := r.Resolve(context.Background(), start, end)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, boom)

	r = NewResolver(&fakeMarket{events: []oddsapi.MarketEvent{{ID: "a"}}}, &fakeSchedule{err: boom}, time.UTC, logx.Nop())
	events, err := r.Resolve(context.Background(), start, end)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Nil(t, events)
}

func TestCatalogReplaceSupersedes(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	c.Replace([]domain.Event{{CatalogID: "a", OracleID: 1}, {CatalogID: "b", OracleID: 2}}, now)
	e, ok := c.Get(2)
	require.True(t, ok)
	assert.Equal(t, "b", e.CatalogID)

	c.Replace([]domain.Event{{CatalogID: "c", OracleID: 3}}, now.Add(24*time.Hour))
	_, ok = c.Get(2)
	assert.False(t, ok)
	e, ok = c.GetByCatalogID("c")
	require.True(t, ok)
	assert.Equal(t, 3, e.OracleID)
	assert.Equal(t, 1, c.Len())

	list := c.List()
	list[0].CatalogID = "mutated"
	e, _ = c.Get(3)
	assert.Equal(t, "c", e.CatalogID)
}
