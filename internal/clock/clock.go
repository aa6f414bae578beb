// Package clock abstracts wall time and one-shot timers so that every
// timeout in the call and transfer state machines can be driven
// deterministically in tests.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// the call if it has not happened yet.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool
}

type realClock struct {
	c bclock.Clock
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{c: bclock.New()}
}

func (r realClock) Now() time.Time {
	return r.c.Now()
}

func (r realClock) AfterFunc(d time.Duration, f func()) Timer {
	return r.c.AfterFunc(d, f)
}

// Stop stops t if it is non-nil.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
