// Package clock abstracts time.Now so timeout and audit timestamps can be
// controlled in tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real wraps time.Now.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}
