package resilience

import "time"

// Timer is a pending callback that can be cancelled
type Timer interface {
	// Stop cancels the timer. It reports false if the callback already ran
	// or was already stopped.
	Stop() bool
}

// Timers schedules callbacks after a delay. The session engine takes one so
// tests can drive reconnects without sleeping.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealTimers schedules callbacks on the runtime clock
type RealTimers struct{}

// AfterFunc implements Timers
func (RealTimers) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
