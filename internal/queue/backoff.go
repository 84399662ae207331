package queue

import "time"

// DefaultBackoffBase yields the 5/10/20 minute schedule for the
// standard three-retry policy.
const DefaultBackoffBase = 5 * time.Minute

// maxBackoffShift caps the exponent so pathological attempt counts
// cannot overflow the duration.
const maxBackoffShift = 10

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1). Pure so the curve is testable in isolation.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}
