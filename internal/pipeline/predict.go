package pipeline

import (
	"math"

	"halftimebot/internal/domain"
)

// Predict selects the props whose player is close enough to the line, with
// enough shot volume left, to plausibly clear it. Output keeps prop order.
//
// For each prop with a matching stat line:
//
//	line = ceil(point)
//	diff = line - points
//	pick if diff <= points/2 && ceil(fga/2)*2 >= diff
func Predict(props []domain.PropBet, stats []domain.PlayerStatLine) []domain.SelectedPick {
	out := []domain.SelectedPick{}
	for _, bet := range props {
		s, ok := domain.MatchPlayer(bet.Player, stats)
		if !ok {
			continue
		}
		line := int(math.Ceil(bet.Point))
		diff := line - s.Points
		if float64(diff) > float64(s.Points)/2 {
			continue
		}
		volume := int(math.Ceil(float64(s.FGA)/2)) * 2
		if volume < diff {
			continue
		}
		out = append(out, domain.SelectedPick{
			PlayerName:       bet.Player,
			CurrentPoints:    s.Points,
			Line:             line,
			Odds:             bet.Price,
			DifferenceNeeded: diff,
		})
	}
	return out
}
