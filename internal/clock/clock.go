// Package clock abstracts time so lifecycle timers are testable
// without sleeping.
package clock

import "time"

// Clock supplies the time primitives the coordinator consumes.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Sleep(d time.Duration)
}

// Timer is a stoppable pending callback or channel send.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still
	// pending; false means it already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{timer: time.AfterFunc(d, f)}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool { return t.timer.Stop() }
