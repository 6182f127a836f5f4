package pipeline

import "time"

// DefaultMaxBackoff bounds retry delays when the caller passes no cap.
const DefaultMaxBackoff = 5 * time.Minute

// Backoff returns the delay before retry number attempt (zero-based),
// doubling from base and capped at max. A non-positive max falls back
// to DefaultMaxBackoff.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
