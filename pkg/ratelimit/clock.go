package ratelimit

import "time"

// Clock is the time source used by scopes. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock reads the wall clock.
func RealClock() Clock { return realClock{} }
