package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newBackOff yields base * 2^attempt for attempt = 0, 1, 2, ...
func newBackOff(base time.Duration, maxAttempts int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// MaxInterval must cover the last attempt or the schedule flattens early.
	b.MaxInterval = base << min(max(maxAttempts, 1), 20)
	b.Reset()
	return b
}
