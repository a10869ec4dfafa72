// Package backoff holds the capped exponential delay policies used for socket
// reconnects and task retries. Each caller holds its own policy.
package backoff

import "time"

const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 60 * time.Second
)

// Reconnect is the connection manager's ReconnectState. It is not safe for
// concurrent use; the owning event loop is the only caller.
type Reconnect struct {
	Base time.Duration
	Max  time.Duration

	attempts  uint
	nextDelay time.Duration
}

// NewReconnect returns a policy with the given base and cap. Zero values fall
// back to 1s and 60s.
func NewReconnect(base, max time.Duration) *Reconnect {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Reconnect{Base: base, Max: max}
}

// Next returns min(base * 2^attempts, max) and counts the attempt.
func (r *Reconnect) Next() time.Duration {
	r.nextDelay = capped(r.Base, r.attempts, r.Max)
	r.attempts++
	return r.nextDelay
}

// Reset zeroes the state after a successful connection.
func (r *Reconnect) Reset() {
	r.attempts = 0
	r.nextDelay = 0
}

// Attempts returns how many reconnects have been scheduled since the last reset.
func (r *Reconnect) Attempts() uint { return r.attempts }

// NextDelay returns the most recently scheduled delay.
func (r *Reconnect) NextDelay() time.Duration { return r.nextDelay }

// TaskDelay returns the wait before retrying a task after the given 1-indexed
// attempt failed: base * 2^(attempt-1).
func TaskDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capped(base, uint(attempt-1), 0)
}

func capped(base time.Duration, exp uint, max time.Duration) time.Duration {
	d := base
	for i := uint(0); i < exp; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		// guard against overflow on long failure streaks
		if d <= 0 {
			if max > 0 {
				return max
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
