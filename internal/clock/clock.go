// Package clock abstracts wall time and scheduled callbacks so durable timers
// can be driven deterministically in tests. Both clocks come from clockwork.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock tells time and schedules callbacks.
type Clock = clockwork.Clock

// Timer is a scheduled callback. Stop reports whether the call stopped it;
// false means it already fired or was stopped.
type Timer = clockwork.Timer

// New returns the system clock.
func New() Clock { return clockwork.NewRealClock() }

// Manual is a fake clock that only moves when Advance is called. Callbacks
// of timers that became due run in their own goroutines.
type Manual struct {
	*clockwork.FakeClock
}

// NewManual creates a manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{FakeClock: clockwork.NewFakeClockAt(start)}
}

// WaitForTimers blocks until at least n timers are scheduled or timeout
// elapses in real time. It reports whether the count was reached.
func (m *Manual) WaitForTimers(n int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.BlockUntilContext(ctx, n) == nil
}
