// Package deadline converts between relative timeouts and absolute deadlines.
//
// The zero time.Time means "no deadline". Callers pass an explicit now so the
// arithmetic works against both the real clock and a manual test clock.
package deadline

import "time"

// At converts a relative timeout into an absolute deadline. A timeout <= 0
// means unbounded and yields the zero time.
func At(now time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return now.Add(timeout)
}

// Left reports how long remains until the deadline, clamped at zero. An
// unbounded (zero) deadline reports -1, meaning "no limit".
func Left(now time.Time, dl time.Time) time.Duration {
	if dl.IsZero() {
		return -1
	}
	left := dl.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the deadline has passed. The zero deadline never
// expires.
func Expired(now time.Time, dl time.Time) bool {
	if dl.IsZero() {
		return false
	}
	return dl.Before(now)
}

// Sooner returns whichever of the two deadlines comes first, treating the zero
// time as "never".
func Sooner(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}
