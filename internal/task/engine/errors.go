package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrStale       = errors.New("task dropped: queued past max delay")
)

// retryDirective overrides the engine's retry decision for one failure.
type retryDirective struct {
	err   error
	never bool
	after time.Duration
}

func (e *retryDirective) Error() string {
	if e.never {
		return fmt.Sprintf("no-retry: %v", e.err)
	}
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}

func (e *retryDirective) Unwrap() error { return e.err }

// NoRetry marks err as permanent: the engine records it without further attempts.
//
//	return engine.NoRetry(fmt.Errorf("record picks: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryDirective{err: err, never: true}
}

// RetryAfter asks for the next attempt no sooner than after (e.g. an upstream
// Retry-After header). The hint is capped by RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryDirective{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

func (e *retryDirective) RetryAfter() time.Duration { return e.after }

// permanent reports whether err must not be retried, returning the error to
// record. Besides NoRetry, any error in the chain reporting Retryable() == false
// (a 4xx from an upstream feed, for instance) is permanent.
func permanent(err error) (error, bool) {
	var d *retryDirective
	if errors.As(err, &d) && d.never {
		return d.err, true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && !r.Retryable() {
		return err, true
	}
	return err, false
}

// IsNoRetry reports whether the engine would treat err as permanent.
func IsNoRetry(err error) bool {
	_, p := permanent(err)
	return p
}
