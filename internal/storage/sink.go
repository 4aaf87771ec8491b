package storage

import (
	"context"
	"fmt"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

// Sink records picks at halftime and fills in their outcome after the
// game. It does not deduplicate: the milestone tracker fires each event's
// halftime at most once.
type Sink struct {
	store Store
	log   logx.Logger
}

func NewSink(store Store, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{store: store, log: log.With(logx.String("comp", "sink"))}
}

func (s *Sink) Store() Store { return s.store }

// RecordPicks inserts one row per pick under the event's game label and
// local date, returning the generated ids in pick order.
func (s *Sink) RecordPicks(ctx context.Context, e domain.Event, picks []domain.SelectedPick) ([]int64, error) {
	if len(picks) == 0 {
		return nil, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("record picks: %w", domain.ErrPersistenceUnavailable)
	}
	rows := make([]domain.PickRecord, 0, len(picks))
	for _, p := range picks {
		rows = append(rows, domain.PickRecord{
			GameLabel:     e.GameLabel(),
			Date:          e.LocalDate,
			Player:        p.PlayerName,
			CurrentPoints: p.CurrentPoints,
			Line:          p.Line,
			Difference:    p.DifferenceNeeded,
			Odds:          p.Odds,
		})
	}
	ids, err := s.store.InsertPicks(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("record picks for %s: %w: %w", e.GameLabel(), domain.ErrPersistenceUnavailable, err)
	}
	s.log.Info("picks recorded", logx.String("game", e.GameLabel()), logx.Int("count", len(ids)))
	return ids, nil
}

// RecordOutcomes sets hit on every row of this event whose player appears
// in finalStats. Rows without a stat line keep hit unset. It returns how
// many rows were updated.
func (s *Sink) RecordOutcomes(ctx context.Context, e domain.Event, finalStats []domain.PlayerStatLine) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("record outcomes: %w", domain.ErrPersistenceUnavailable)
	}
	rows, err := s.store.PicksFor(ctx, e.GameLabel(), e.LocalDate)
	if err != nil {
		return 0, fmt.Errorf("load picks for %s: %w: %w", e.GameLabel(), domain.ErrPersistenceUnavailable, err)
	}
	updated := 0
	for _, r := range rows {
		line, ok := domain.MatchPlayer(r.Player, finalStats)
		if !ok {
			s.log.Debug("no final stat line for pick", logx.String("player", r.Player), logx.Int64("id", r.ID))
			continue
		}
		if err := s.store.SetHit(ctx, r.ID, line.Points >= r.Line); err != nil {
			return updated, fmt.Errorf("update pick %d: %w: %w", r.ID, domain.ErrPersistenceUnavailable, err)
		}
		updated++
	}
	s.log.Info("outcomes recorded", logx.String("game", e.GameLabel()), logx.Int("picks", len(rows)), logx.Int("updated", updated))
	return updated, nil
}
