// Package scheduler drives background palette extraction: a debounced
// producer claims pending files, a capped consumer pool extracts
// palettes, and a result processor flushes batches and keeps the SQLite
// WAL in check.
package scheduler

import "sync/atomic"

// RunState carries the pause and cancel flags for one scheduler
// instance. It is injected by the owner so tests and multiple galleries
// can each hold their own.
type RunState struct {
	paused    atomic.Bool
	cancelled atomic.Bool
	resumeCh  atomic.Pointer[chan struct{}]
}

// NewRunState returns a running, uncancelled state.
func NewRunState() *RunState {
	s := &RunState{}
	s.resumeCh.Store(newSignal())
	return s
}

// Pause asks consumers to hold before their next task.
func (s *RunState) Pause() {
	s.paused.Store(true)
}

// Resume releases paused consumers.
func (s *RunState) Resume() {
	if !s.paused.CompareAndSwap(true, false) {
		return
	}
	old := s.resumeCh.Swap(newSignal())
	close(*old)
}

// Cancel stops the run permanently; a cancelled state also unblocks
// paused consumers so they can observe the cancellation.
func (s *RunState) Cancel() {
	s.cancelled.Store(true)
	if s.paused.CompareAndSwap(true, false) {
		old := s.resumeCh.Swap(newSignal())
		close(*old)
	}
}

// Reset clears both flags for a fresh run.
func (s *RunState) Reset() {
	s.paused.Store(false)
	s.cancelled.Store(false)
}

// Paused reports the pause flag.
func (s *RunState) Paused() bool {
	return s.paused.Load()
}

// Cancelled reports the cancel flag.
func (s *RunState) Cancelled() bool {
	return s.cancelled.Load()
}

// resumeSignal returns a channel closed on the next Resume or Cancel.
func (s *RunState) resumeSignal() <-chan struct{} {
	return *s.resumeCh.Load()
}

func newSignal() *chan struct{} {
	ch := make(chan struct{})
	return &ch
}
