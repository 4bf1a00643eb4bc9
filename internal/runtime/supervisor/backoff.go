package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff is a jittered exponential delay sequence.
//
// The zero value is usable: it starts at 250ms and caps at 30s with 20%
// jitter. Not safe for concurrent use.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = up to +20%

	cur time.Duration
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = max(lo, 30*time.Second)
	}
	return lo, hi
}

// Next returns the next delay and doubles the base for the following call.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.bounds()
	if b.cur < lo {
		b.cur = lo
	}
	wait := b.cur
	j := b.Jitter
	if j <= 0 {
		j = 0.2
	}
	if add := time.Duration(float64(wait) * j); add > 0 {
		wait += time.Duration(rand.Int64N(int64(add) + 1))
	}
	b.cur *= 2
	if b.cur > hi {
		b.cur = hi
	}
	return wait
}

// Reset starts the sequence over.
func (b *Backoff) Reset() { b.cur = 0 }
