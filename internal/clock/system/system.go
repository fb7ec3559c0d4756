// Package system is the wall-clock backing for crawler.Clock. Tests inject
// a stub instead.
package system

import "time"

// Clock reads time.Now in UTC.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

func (Clock) Now() time.Time {
	return time.Now().UTC()
}
