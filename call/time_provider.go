package call

import "time"

// TimeProvider abstracts the clock for the dispatcher's timers: the call
// timeout, the ICE debounce window and the busy-tone hangup delay all run
// through it, so tests drive them with a fake clock.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc runs f after d elapses and returns a handle to cancel it.
	AfterFunc(d time.Duration, f func()) TimerHandle
}

// TimerHandle cancels a pending AfterFunc.
type TimerHandle interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// function from running.
	Stop() bool
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on a standard library timer.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) TimerHandle {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool {
	return t.timer.Stop()
}
