package infra

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	// BackoffMax caps the reconnect delay. Callers facing a non-retriable
	// failure jump straight to it instead of climbing the curve.
	BackoffMax    = 60 * time.Second
	backoffJitter = 0.2 // ±20%
)

// CalculateBackoff returns the reconnect delay for the given retry count:
// exponential growth from backoffBase, capped at BackoffMax, with jitter so
// a fleet of connections does not reconnect in lockstep.
func CalculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := backoffBase
	for i := 0; i < retryCount && delay < BackoffMax; i++ {
		delay *= 2
	}
	if delay > BackoffMax {
		delay = BackoffMax
	}

	// Jitter in [-20%, +20%]
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
