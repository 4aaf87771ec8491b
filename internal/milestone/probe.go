package milestone

import (
	"context"

	"halftimebot/internal/domain"
)

// Oracle is the status source polled for milestone conditions.
type Oracle interface {
	Status(ctx context.Context, gameID int) (domain.GameStatus, error)
	PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error)
}

type outcome int

const (
	pending outcome = iota
	reached
	// missed means the condition can no longer be observed.
	missed
)

func (o outcome) String() string {
	switch o {
	case reached:
		return "reached"
	case missed:
		return "missed"
	default:
		return "pending"
	}
}

func probe(ctx context.Context, o Oracle, e domain.Event, kind domain.MilestoneKind) (outcome, error) {
	st, err := o.Status(ctx, e.OracleID)
	if err != nil {
		return pending, err
	}
	switch kind {
	case domain.Halftime:
		if st.Halftime {
			return reached, nil
		}
		if st.Finished {
			return missed, nil
		}
		return pending, nil
	case domain.EndOfGame:
		if !st.Finished {
			return pending, nil
		}
		lines, err := o.PlayerStats(ctx, e.OracleID)
		if err != nil {
			return pending, err
		}
		if len(lines) == 0 {
			return pending, nil
		}
		return reached, nil
	default:
		return missed, nil
	}
}
