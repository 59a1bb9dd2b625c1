// Package backoff computes retry delays for transport calls.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter picks a random delay in [0, d] instead of d
	Jitter bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}

	if e.Jitter {
		d = rand.Float64() * d
	}

	return time.Duration(d)
}

// Default is exponential with jitter between 50ms and 2s.
func Default() Strategy {
	return Exponential{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
}
