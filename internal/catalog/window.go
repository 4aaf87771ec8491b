package catalog

import "time"

const DefaultCutoffHourUTC = 22

// Policy bounds the discovery window.
type Policy struct {
	// CutoffHourUTC is the hour on the following UTC day the window ends at.
	CutoffHourUTC int
}

func DefaultPolicy() Policy { return Policy{CutoffHourUTC: DefaultCutoffHourUTC} }

// Window returns [today 00:00Z, tomorrow CutoffHourUTC:00Z) for now.
func Window(now time.Time, p Policy) (start, end time.Time) {
	h := p.CutoffHourUTC
	if h < 0 || h > 23 {
		h = DefaultCutoffHourUTC
	}
	u := now.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 1).Add(time.Duration(h) * time.Hour)
	return start, end
}

// calendarDates lists every local calendar date the window touches.
func calendarDates(start, end time.Time, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	s := start.In(loc)
	e := end.In(loc)
	day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	last := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
	var out []string
	for !day.After(last) {
		out = append(out, day.Format(time.DateOnly))
		day = day.AddDate(0, 0, 1)
	}
	return out
}
