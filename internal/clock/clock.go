// Package clock abstracts wall-clock time so deferred retries and deadline
// checks can be tested deterministically without sleeping.
package clock

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired.
	Stop() bool
}

// Clock provides the current time and deferred callback execution.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
