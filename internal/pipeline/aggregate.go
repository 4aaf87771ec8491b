package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

type PropsFeed interface {
	PlayerProps(ctx context.Context, catalogID string) (*domain.GameProps, error)
}

type StatsFeed interface {
	PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error)
}

type Aggregator struct {
	props PropsFeed
	stats StatsFeed
	log   logx.Logger
	now   func() time.Time
}

func NewAggregator(props PropsFeed, stats StatsFeed, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{props: props, stats: stats, log: log.With(logx.String("comp", "aggregate")), now: time.Now}
}

// Aggregate fetches what the milestone needs: props and a stats snapshot at
// halftime, a fresh stats snapshot only at the end of the game. An empty
// box score is ErrNoData. A bookmaker without a market for the event is
// not an error; Props is nil then.
func (a *Aggregator) Aggregate(ctx context.Context, e domain.Event, kind domain.MilestoneKind) (domain.AggregatedGame, error) {
	g := domain.AggregatedGame{Event: e, Milestone: kind}

	stats, err := a.stats.PlayerStats(ctx, e.OracleID)
	if err != nil {
		return g, fmt.Errorf("stats for %s: %w", e.GameLabel(), err)
	}
	if len(stats) == 0 {
		return g, fmt.Errorf("stats for %s: %w", e.GameLabel(), domain.ErrNoData)
	}
	g.Stats = stats

	if kind == domain.Halftime {
		props, err := a.props.PlayerProps(ctx, e.CatalogID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.log.Info("no props market for event", logx.String("game", e.GameLabel()), logx.String("catalog_id", e.CatalogID))
		case err != nil:
			return g, fmt.Errorf("props for %s: %w", e.GameLabel(), err)
		default:
			g.Props = props
		}
	}
	g.FetchedAt = a.now()
	return g, nil
}
