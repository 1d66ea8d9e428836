package engine

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays for failed recovery queries: exponential
// growth from Base, capped at Max, with up to Jitter (a fraction of the
// delay) subtracted at random so that many clients do not retry in step.
// Attempts themselves are not capped.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}

	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)

	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		j := min(b.Jitter, 1)
		d -= time.Duration(float64(d) * j * r())
	}
	return d
}
