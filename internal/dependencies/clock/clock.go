package clock

import (
	"context"
	"time"
)

// Clock provides time operations that can be mocked for testing
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by AfterFunc
type Timer interface {
	// Stop prevents the call from firing. It returns false if the call already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock using the system clock
type RealClock struct{}

// New creates a new RealClock
func New() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every calls f each time interval elapses on c, until ctx is done.
// Ticks do not overlap: the next interval starts once f returns.
func Every(ctx context.Context, c Clock, interval time.Duration, f func()) {
	if interval <= 0 {
		return
	}

	for {
		tick := make(chan struct{})
		timer := c.AfterFunc(interval, func() { close(tick) })

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-tick:
			f()
		}
	}
}
