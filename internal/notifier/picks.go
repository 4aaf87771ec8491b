package notifier

import (
	"context"
	"fmt"
	"strings"

	"halftimebot/internal/domain"
)

// PicksPayload is the structured body sent to machine consumers.
type PicksPayload struct {
	Job   string                `json:"job"`
	Game  string                `json:"game"`
	Date  string                `json:"date"`
	Picks []domain.SelectedPick `json:"picks"`
}

// NotifyPicks announces the picks recorded for one halftime. The job key and
// date form the dedup identity, so a repeated call inside the window is
// dropped.
func (s *Service) NotifyPicks(ctx context.Context, key domain.JobKey, e domain.Event, picks []domain.SelectedPick) error {
	if len(picks) == 0 {
		return nil
	}
	return s.Notify(ctx, Message{
		Key:     "picks:" + key.String() + ":" + e.LocalDate,
		Subject: "picks",
		Text:    FormatPicks(e, picks),
		Payload: PicksPayload{Job: key.String(), Game: e.GameLabel(), Date: e.LocalDate, Picks: picks},
	})
}

func FormatPicks(e domain.Event, picks []domain.SelectedPick) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Halftime picks: %s (%s)\n", e.GameLabel(), e.LocalDate)
	for _, p := range picks {
		fmt.Fprintf(&b, "- %s: %d pts, line %d, needs %d, odds %+d\n", p.PlayerName, p.CurrentPoints, p.Line, p.DifferenceNeeded, p.Odds)
	}
	return strings.TrimRight(b.String(), "\n")
}
