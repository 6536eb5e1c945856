package waiter

import "time"

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// TimerFactory creates a Timer that executes a function after a duration.
type TimerFactory interface {
	AfterFunc(duration time.Duration, fn func()) Timer
}

// SystemTimerFactory implements TimerFactory with the time package.
type SystemTimerFactory struct{}

func (SystemTimerFactory) AfterFunc(duration time.Duration, fn func()) Timer {
	return time.AfterFunc(duration, fn)
}

// after returns a channel closed once d elapsed, and the timer behind it.
func after(f TimerFactory, d time.Duration) (<-chan struct{}, Timer) {
	ch := make(chan struct{})
	t := f.AfterFunc(max(d, 0), func() { close(ch) })
	return ch, t
}
