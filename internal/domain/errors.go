package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrInvalidEventTime       = errors.New("invalid event time")
	ErrNoData                 = errors.New("no data")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrNotFound               = errors.New("not found")
)

// UpstreamError is a failed call to one of the feeds.
type UpstreamError struct {
	Source string // "odds" | "nba"
	Op     string
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Source, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// Retryable reports whether the same request may succeed later.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
