package milestone

import (
	"fmt"
	"strings"
	"time"

	"halftimebot/internal/domain"
)

const (
	DefaultHalftimeOffset  = 60 * time.Minute
	DefaultEndOfGameOffset = 180 * time.Minute
)

type Offsets struct {
	Halftime  time.Duration
	EndOfGame time.Duration
}

func DefaultOffsets() Offsets {
	return Offsets{Halftime: DefaultHalftimeOffset, EndOfGame: DefaultEndOfGameOffset}
}

// Deadlines are the first probe instants for an event.
type Deadlines struct {
	Start     time.Time
	Halftime  time.Time
	EndOfGame time.Time
}

// For returns the deadline of kind.
func (d Deadlines) For(kind domain.MilestoneKind) time.Time {
	if kind == domain.EndOfGame {
		return d.EndOfGame
	}
	return d.Halftime
}

// ComputeDeadlines parses the event's local date and time in loc and adds
// the offsets. Zero offsets fall back to the defaults.
func ComputeDeadlines(e domain.Event, off Offsets, loc *time.Location) (Deadlines, error) {
	if loc == nil {
		loc = time.UTC
	}
	if off.Halftime <= 0 {
		off.Halftime = DefaultHalftimeOffset
	}
	if off.EndOfGame <= 0 {
		off.EndOfGame = DefaultEndOfGameOffset
	}
	date := strings.TrimSpace(e.LocalDate)
	clock := strings.TrimSpace(e.LocalTime)
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
	if err != nil {
		return Deadlines{}, fmt.Errorf("event %d (%q %q): %w", e.OracleID, e.LocalDate, e.LocalTime, domain.ErrInvalidEventTime)
	}
	return Deadlines{
		Start:     start,
		Halftime:  start.Add(off.Halftime),
		EndOfGame: start.Add(off.EndOfGame),
	}, nil
}
