// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements scrape.Clock. Times are UTC at microsecond precision.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
