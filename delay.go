package signalbus

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayFunc returns how long to wait before the next attempt.
// n is the zero-based index of the wait.
type DelayFunc func(n int) time.Duration

// Fixed returns a DelayFunc that always waits the same duration.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay on every wait, capped
// at maxDelay. With the default retry policy (100ms, 1s):
//
//	wait 0: 100ms
//	wait 1: 200ms
//	wait 2: 400ms
//	wait 3: 800ms
//	wait 4: 1s
//	...
func Exponential(delay, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// shifting past bit 62 overflows time.Duration
	var maxShifts uint
	if exp := math.Floor(math.Log2(float64(delay))); exp < 62 {
		maxShifts = 62 - uint(exp)
	}

	return func(n int) time.Duration {
		if n <= 0 {
			return min(delay, maxDelay)
		}
		shift := min(uint(n), maxShifts) // nolint:gosec
		return min(delay<<shift, maxDelay)
	}
}

// Jittered spreads the delays returned by f uniformly over [d/2, d], so
// transactions that conflicted with each other do not retry in lockstep.
func Jittered(f DelayFunc) DelayFunc {
	return func(n int) time.Duration {
		d := f(n)
		if d <= 0 {
			return 0
		}
		half := d / 2
		return half + rand.N(d-half+1)
	}
}
