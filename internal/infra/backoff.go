package infra

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultJitter is the randomization factor applied to reconnect delays.
const DefaultJitter = 0.2

// NewReconnectBackoff returns an exponential schedule starting at base and
// capped at max. jitter is the randomization factor (0 disables it).
func NewReconnectBackoff(base, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}
