// Package clock abstracts the wall clock so debounce timers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the write-behind
// controller and the scene note synchronizer.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable one-shot timer.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stop()
}

// Reset re-arms the timer to fire after d.
func (t *Timer) Reset(d time.Duration) bool {
	if t == nil {
		return false
	}
	return t.reset(d)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}
