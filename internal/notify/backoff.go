package notify

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before the next delivery attempt: base doubled per
// attempt, capped at max, plus up to 20% jitter so concurrent dispatchers do
// not retry in lockstep.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}
