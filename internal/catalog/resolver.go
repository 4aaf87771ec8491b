package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"halftimebot/internal/domain"
	"halftimebot/internal/feeds/nbaapi"
	"halftimebot/internal/feeds/oddsapi"
	logx "halftimebot/pkg/logx"
)

const DefaultTimezone = "America/New_York"

type MarketFeed interface {
	Events(ctx context.Context, from, to time.Time) ([]oddsapi.MarketEvent, error)
}

type ScheduleFeed interface {
	Games(ctx context.Context, date string) ([]nbaapi.Game, error)
}

type Resolver struct {
	market   MarketFeed
	schedule ScheduleFeed
	loc      *time.Location
	log      logx.Logger
}

// NewResolver builds a resolver rendering local dates and times in loc
// (America/New_York when nil).
func NewResolver(market MarketFeed, schedule ScheduleFeed, loc *time.Location, log logx.Logger) *Resolver {
	if loc == nil {
		if l, err := time.LoadLocation(DefaultTimezone); err == nil {
			loc = l
		} else {
			loc = time.UTC
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{market: market, schedule: schedule, loc: loc, log: log.With(logx.String("comp", "catalog"))}
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve returns the events both feeds report inside [start, end). Either
// feed failing fails the whole call; rows only one feed knows are dropped.
func (r *Resolver) Resolve(ctx context.Context, start, end time.Time) ([]domain.Event, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("empty window %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	markets, err := r.market.Events(ctx, start, end)
	if err != nil {
		return nil, upstream("market events", err)
	}

	var games []nbaapi.Game
	seen := map[int]bool{}
	for _, date := range calendarDates(start, end, r.loc) {
		gs, err := r.schedule.Games(ctx, date)
		if err != nil {
			return nil, upstream("games "+date, err)
		}
		for _, g := range gs {
			if seen[g.ID] || !g.Date.Start.Before(end) {
				continue
			}
			seen[g.ID] = true
			games = append(games, g)
		}
	}

	events := r.join(markets, games)
	r.log.Info("catalog resolved",
		logx.Int("markets", len(markets)),
		logx.Int("games", len(games)),
		logx.Int("events", len(events)),
	)
	return events, nil
}

func (r *Resolver) join(markets []oddsapi.MarketEvent, games []nbaapi.Game) []domain.Event {
	used := make([]bool, len(games))
	out := make([]domain.Event, 0, len(markets))
	for _, m := range markets {
		for i, g := range games {
			if used[i] || !MatchTeams(m.HomeTeam, m.AwayTeam, g.Teams.Home.Name, g.Teams.Visitors.Name) {
				continue
			}
			used[i] = true
			out = append(out, r.merge(m, g))
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].OracleID < out[j].OracleID
		}
		return out[i].Start.Before(out[j].Start)
	})
	if r.log.Enabled(logx.LevelDebug) {
		for _, m := range markets {
			if !containsCatalog(out, m.ID) {
				r.log.Debug("market event has no schedule row", logx.String("event", m.AwayTeam+" @ "+m.HomeTeam))
			}
		}
	}
	return out
}

func (r *Resolver) merge(m oddsapi.MarketEvent, g nbaapi.Game) domain.Event {
	start := g.Date.Start
	if start.IsZero() {
		start = m.CommenceTime
	}
	start = start.UTC()
	local := start.In(r.loc)
	return domain.Event{
		CatalogID: m.ID,
		OracleID:  g.ID,
		Home:      domain.TeamRef{Name: g.Teams.Home.Name, Code: g.Teams.Home.Code},
		Away:      domain.TeamRef{Name: g.Teams.Visitors.Name, Code: g.Teams.Visitors.Code},
		LocalDate: local.Format(time.DateOnly),
		LocalTime: local.Format("15:04"),
		Start:     start,
	}
}

func containsCatalog(events []domain.Event, id string) bool {
	for _, e := range events {
		if e.CatalogID == id {
			return true
		}
	}
	return false
}

func upstream(op string, err error) error {
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUpstreamUnavailable, err)
}
