package engine

import (
	"errors"
	"fmt"
	"time"
)

// Returned by Enqueue and Submit. The task was not queued and its OnDrop is
// not called.
var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key still running")
)

// ErrStaleQueue is passed to Task.OnDrop when a task waited in the queue
// longer than MaxQueueDelay.
var ErrStaleQueue = errors.New("task dropped: queued past max delay")

// runError carries worker hints on an error returned by Task.Run.
type runError struct {
	err   error
	final bool
	after time.Duration
}

func (e *runError) Error() string {
	if e.final {
		return fmt.Sprintf("no-retry: %v", e.err)
	}
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}

func (e *runError) Unwrap() error { return e.err }

// NoRetry ends the attempt loop on err.
//
//	return engine.NoRetry(fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &runError{err: err, final: true}
}

// RetryAfter asks for the next attempt no sooner than after, for example a
// flood-control wait. RetryMaxDelay still caps it.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &runError{err: err, after: max(after, 0)}
}

// hintsOf unpacks the outermost runError in err.
func hintsOf(err error) (re *runError, ok bool) {
	ok = errors.As(err, &re)
	return re, ok
}
