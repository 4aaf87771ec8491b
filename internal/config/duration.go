package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration setting. Empty means zero.
// path names the setting in errors, e.g. "milestones.retry_interval".
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"90s\", \"5m\", \"3h\"): %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q must not be negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
