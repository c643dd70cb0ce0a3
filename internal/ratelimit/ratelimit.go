// Package ratelimit throttles inbound API callers with fixed, epoch-aligned
// windows per named policy and identifier.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
)

// Policy is a named request budget.
type Policy struct {
	Name   string        `yaml:"name"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

const (
	PolicyGeneral   = "general"
	PolicySensitive = "sensitive"
	PolicyPublic    = "public"
)

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyGeneral:   {Name: PolicyGeneral, Limit: 30, Window: time.Minute},
		PolicySensitive: {Name: PolicySensitive, Limit: 10, Window: time.Minute},
		PolicyPublic:    {Name: PolicyPublic, Limit: 120, Window: time.Minute},
	}
}

// Decision is the outcome of one TryAcquire call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Backend names the counter store that produced the decision.
	Backend string
}

// RetryAfter is the wait until the window resets, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1) / time.Second * time.Second
}

// Store increments the counter for key and returns the new count. The counter
// must expire at expireAt.
type Store interface {
	Incr(ctx context.Context, key string, expireAt time.Time) (int, error)
	Name() string
}

// Limiter applies policies against a shared Store with an in-process fallback.
type Limiter struct {
	store    Store
	fallback Store
	now      func() time.Time
	policies map[string]Policy
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPolicies replaces or adds named policies.
func WithPolicies(policies map[string]Policy) Option {
	return func(l *Limiter) {
		for name, p := range policies {
			if p.Limit <= 0 || p.Window <= 0 {
				log.Printf("ratelimit: ignoring invalid policy %q", name)
				continue
			}
			p.Name = name
			l.policies[name] = p
		}
	}
}

// New creates a limiter. A nil store means in-process counters only.
func New(store Store, opts ...Option) *Limiter {
	fallback := NewMemoryStore()
	if store == nil {
		store = fallback
	}
	l := &Limiter{
		store:    store,
		fallback: fallback,
		now:      time.Now,
		policies: DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(l)
	}
	fallback.now = l.now
	if ms, ok := store.(*MemoryStore); ok {
		ms.now = l.now
	}
	return l
}

// Policy looks up a policy by name, falling back to the general policy.
func (l *Limiter) Policy(name string) Policy {
	if p, ok := l.policies[name]; ok {
		return p
	}
	return l.policies[PolicyGeneral]
}

// Policies returns every configured policy sorted by name.
func (l *Limiter) Policies() []Policy {
	out := make([]Policy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TryAcquire charges one request for identifier under policy. When both
// stores fail the request is allowed.
func (l *Limiter) TryAcquire(ctx context.Context, policy Policy, identifier string) Decision {
	now := l.now()
	start := windowStart(now, policy.Window)
	resetAt := start.Add(policy.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", policy.Name, identifier, start.UnixMilli())

	store := l.store
	count, err := store.Incr(ctx, key, resetAt)
	if err != nil {
		log.Printf("ratelimit store %s failed, using in-process counters: %v", store.Name(), err)
		store = l.fallback
		count, err = store.Incr(ctx, key, resetAt)
		if err != nil {
			return Decision{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, ResetAt: resetAt, Backend: store.Name()}
		}
	}

	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= policy.Limit,
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Backend:   store.Name(),
	}
}

func windowStart(now time.Time, d time.Duration) time.Time {
	ms := d.Milliseconds()
	if ms <= 0 {
		return now.UTC()
	}
	return time.UnixMilli(now.UnixMilli() / ms * ms).UTC()
}
