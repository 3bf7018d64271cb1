package clock

import "time"

// Clock abstracts time so retry scheduling and token expiry can be tested
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the networking core relies on.
type Timer interface {
	Stop() bool
}

// Real uses the system clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
