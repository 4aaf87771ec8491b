package engine

import "sync/atomic"

// RunState marks a task as queued or running. Under OverlapSkipIfRunning a
// second trigger is skipped until the first run releases it.
type RunState struct {
	busy atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.busy.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.busy.Store(false)
	}
}

// Busy reports whether a run currently holds the state.
func (s *RunState) Busy() bool {
	return s != nil && s.busy.Load()
}
