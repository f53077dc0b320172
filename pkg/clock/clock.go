// Package clock is the time source drivers use for deadlines and polling.
package clock

import "time"

type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type system struct{}

func (system) Now() time.Time        { return time.Now() }
func (system) Sleep(d time.Duration) { time.Sleep(d) }

// System is the wall clock. Its readings carry the monotonic component.
var System Clock = system{}

var epoch = time.Now()

// Millis returns the milliseconds elapsed on c since the process started.
func Millis(c Clock) int64 {
	return c.Now().Sub(epoch).Milliseconds()
}
