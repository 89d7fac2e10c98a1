package clock

import "time"

// Clock abstracts the time source used for entry timestamps and stream
// keep-alives so tests can pin both.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time truncated to whole seconds, the precision
// entry timestamps are exchanged with on the wire.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
