package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// cappedBackoff clamps the jittered delay to the configured cap.
// ExponentialBackOff randomizes around the capped interval, so without the
// clamp a delay can overshoot MaxInterval by the randomization factor.
type cappedBackoff struct {
	*backoff.ExponentialBackOff
	cap time.Duration
}

func (c *cappedBackoff) NextBackOff() time.Duration {
	d := c.ExponentialBackOff.NextBackOff()
	if d > c.cap {
		return c.cap
	}
	return d
}

// newBackoff builds the reconnect schedule: exponential growth from min up
// to max, jittered, retrying forever until the transport is closed.
func newBackoff(min, max time.Duration) *cappedBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return &cappedBackoff{ExponentialBackOff: b, cap: max}
}
