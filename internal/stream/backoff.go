package stream

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(cap, base*2^attempt) with equal
// jitter, so a delay lands in [d/2, d].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	jitter func(n time.Duration) time.Duration
}

func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{
		Base: base,
		Cap:  ceiling,
		jitter: func(n time.Duration) time.Duration {
			if n <= 0 {
				return 0
			}
			return rand.N(n + 1)
		},
	}
}

// Ceiling is the un-jittered delay for attempt (0-based).
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return b.Cap
	}
	d := b.Base << attempt
	if d <= 0 || d > b.Cap {
		return b.Cap
	}
	return d
}

func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Ceiling(attempt)
	half := d / 2
	return half + b.jitter(d-half)
}
