// internal/dispatch/backoff.go
package dispatch

import (
	"time"

	"membergate/internal/common/errors"
)

// Decision is the retry policy's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a failed call should be retried and after how
// long. It is a pure function of the attempt count and the classified
// error, so it can be tested in isolation from any I/O.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Base is the delay before the first retry; each further retry
	// doubles it.
	Base time.Duration
}

// Decide returns the verdict for the attempt that just failed. attempt is
// 1-based: after the first call fails, attempt is 1.
func (p Policy) Decide(attempt int, err error) Decision {
	if !errors.IsRetryable(err) {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}

	delay := p.Base << (attempt - 1)

	// A server-specified minimum wait always wins over our own schedule.
	if hint := errors.RetryAfterHint(err); hint > delay {
		delay = hint
	}

	return Decision{Retry: true, Delay: delay}
}
