package provider

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errThrottled means the local token bucket cannot serve the call before the
// caller's deadline.
var errThrottled = errors.New("local throttle: no token before deadline")

// Throttle is a token bucket that spaces calls to one upstream.
type Throttle struct {
	mu             sync.Mutex
	tokens         int
	maxTokens      int
	refillInterval time.Duration
	lastRefill     time.Time
	now            func() time.Time
}

// NewThrottle allows maxTokens calls per refillInterval.
func NewThrottle(maxTokens int, refillInterval time.Duration) *Throttle {
	return &Throttle{
		tokens:         maxTokens,
		maxTokens:      maxTokens,
		refillInterval: refillInterval,
		lastRefill:     time.Now(),
		now:            time.Now,
	}
}

// Wait blocks until a token is available. If ctx carries a deadline that
// would pass before the next token, it returns errThrottled immediately
// instead of burning the caller's budget.
func (r *Throttle) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.lastRefill.Add(r.refillInterval).Sub(r.now())
		r.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && r.now().Add(wait).After(deadline) {
			return errThrottled
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Throttle) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill)
	newTokens := int(elapsed / r.refillInterval)
	if newTokens > 0 {
		r.tokens += newTokens
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.lastRefill = r.lastRefill.Add(time.Duration(newTokens) * r.refillInterval)
	}
}
