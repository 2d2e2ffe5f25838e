package ingest

import "sync/atomic"

// CancelToken requests cooperative cancellation of a run. The run loop
// observes it at folder and batch boundaries only; work already started
// runs to completion and its results stay committed.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel requests cancellation. Safe from any goroutine.
func (t *CancelToken) Cancel() { t.flag.Store(true) }

// Cancelled reports whether cancellation has been requested.
func (t *CancelToken) Cancelled() bool { return t.flag.Load() }

// Reset clears the token at the start of a new run.
func (t *CancelToken) Reset() { t.flag.Store(false) }
