// Package backoff computes retry delays with capped exponential growth and
// optional jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule. Zero values use defaults.
type Policy struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter in [0, 1] randomises each delay downwards by up to that fraction.
	Jitter float64
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	initial, maxDelay := 100*time.Millisecond, 5*time.Second
	if p.Initial > 0 {
		initial = p.Initial
	}
	if p.Max > 0 {
		maxDelay = p.Max
	}
	return initial, max(initial, maxDelay)
}

// Delay returns the wait before retry number attempt (1-based). Attempt 1
// waits Initial, attempt 2 twice that, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	initial, maxDelay := p.bounds()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if j := min(max(p.Jitter, 0), 1); j > 0 {
		d -= d * j * rand.Float64()
	}
	return time.Duration(d)
}
