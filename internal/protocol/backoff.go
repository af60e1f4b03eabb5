package protocol

import "time"

const (
	initialExitBackoff = 1 * time.Second
	maxExitBackoff     = 30 * time.Second
)

// nextExitBackoff is the exponential backoff for broker-reject retries
// on EXIT: start 1s, double each attempt, cap 30s. attempt is 0-based
// (the first retry after the initial reject).
func nextExitBackoff(attempt int) time.Duration {
	d := initialExitBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxExitBackoff {
			return maxExitBackoff
		}
	}
	return d
}
