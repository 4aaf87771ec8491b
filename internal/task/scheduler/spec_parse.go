package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to a cron expression or a fixed
// interval. Source records the accepted form: "cron", "daily" or "duration".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

// ParseSchedule accepts:
//   - cron: "0 23 * * *", "@daily", "@every 6h" (optionally prefixed "cron:")
//   - a wall-clock time, run daily: "23:00", "daily 23:00", "at:23:00"
//   - an interval: "6h", "every:30m", "interval:90m"
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after %q", "cron:")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	for _, p := range []string{"every:", "interval:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseEvery(rest)
		}
	}
	for _, p := range []string{"daily ", "at:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseDaily(rest)
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if strings.Contains(s, ":") {
		return parseDaily(s)
	}
	if ps, err := parseEvery(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 23 * * *', a daily time like '23:00', or an interval like '6h')", raw)
}

func parseDaily(v string) (ParsedSpec, error) {
	h, m, err := parseHHMM(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
