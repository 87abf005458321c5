// internal/dispatch/limiter.go
package dispatch

import (
	"sync/atomic"
	"time"
)

// TokenBucket paces calls to a steady rate with a bounded burst. The state
// is one atomic timestamp (the theoretical time of the next conforming
// call) advanced by compare-and-swap, so concurrent reservations can never
// overshoot the ceiling the way a read-then-write counter would.
type TokenBucket struct {
	emission int64 // nanoseconds between calls at the steady rate
	slack    int64 // head start granted by the burst capacity
	tat      atomic.Int64
	now      func() time.Time
}

// NewTokenBucket creates a bucket allowing `rate` calls per `per`, with up
// to `burst` calls admitted back to back. rate <= 0 means unlimited.
func NewTokenBucket(rate int, per time.Duration, burst int) *TokenBucket {
	b := &TokenBucket{now: time.Now}
	if rate <= 0 {
		return b
	}
	if burst < 1 {
		burst = 1
	}
	b.emission = int64(per) / int64(rate)
	b.slack = int64(burst-1) * b.emission
	return b
}

// Reserve claims the next slot and returns how long the caller must wait
// before using it. A zero return means the call conforms immediately.
func (b *TokenBucket) Reserve() time.Duration {
	if b.emission == 0 {
		return 0
	}

	for {
		now := b.now().UnixNano()
		old := b.tat.Load()

		t := old
		if now > t {
			t = now
		}

		if b.tat.CompareAndSwap(old, t+b.emission) {
			wait := t - b.slack - now
			if wait <= 0 {
				return 0
			}
			return time.Duration(wait)
		}
	}
}
