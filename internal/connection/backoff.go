package connection

import "time"

// backoff computes reconnection delays: base doubled per attempt, capped at
// max so waits stay bounded.
type backoff struct {
	base time.Duration
	max  time.Duration
}

// delayFor returns the delay before attempt n (0-indexed).
func (b backoff) delayFor(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.max > 0 && d >= b.max {
			return b.max
		}
	}
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}
