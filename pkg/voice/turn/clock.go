package turn

import "time"

// Timer is the stoppable handle returned by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock abstracts timer creation so tests can drive the grace window
// deterministically.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock is the production [Clock] backed by the time package.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
