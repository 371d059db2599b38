// Package testingx contains helpers shared by tests.
package testingx

import (
	"sync"
	"time"
)

// TimeDeterministic implements time.Now in a deterministic fashion
// such that every call returns a moment in time occurring a fixed
// tick after the previous call.
//
// It's safe to use this struct from multiple goroutine contexts.
type TimeDeterministic struct {
	// counter is the time elapsed since the zero time: each call
	// to Now increments this counter by one tick.
	counter time.Duration

	// mu protects fields in this structure from concurrent access.
	mu sync.Mutex

	// tick is the increment applied by each Now call.
	tick time.Duration

	// zeroTime is the lazy-initialized zero time. The first call to
	// Now will initialize this field with the current time if unset.
	zeroTime time.Time
}

// NewTimeDeterministic creates a new instance using the given zeroTime
// value and advancing by tick on each call.
func NewTimeDeterministic(zeroTime time.Time, tick time.Duration) *TimeDeterministic {
	return &TimeDeterministic{
		counter:  0,
		mu:       sync.Mutex{},
		tick:     tick,
		zeroTime: zeroTime,
	}
}

// Now is like time.Now but more deterministic. The first call returns
// the configured zeroTime and subsequent calls return moments in time
// occurring exactly one tick after the previous call.
func (td *TimeDeterministic) Now() time.Time {
	td.mu.Lock()
	if td.zeroTime.IsZero() {
		td.zeroTime = time.Now()
	}
	offset := td.counter
	td.counter += td.tick
	res := td.zeroTime.Add(offset)
	td.mu.Unlock()
	return res
}
