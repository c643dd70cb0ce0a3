// Package quota tracks per-provider call budgets over one or more windows.
//
// Windows are fixed and aligned to the Unix epoch in UTC: a window of length
// d containing instant t starts at floor(t/d)*d. A per-minute window therefore
// rolls on the clock minute and a per-day window at 00:00 UTC. Rollover is
// evaluated lazily on every access.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	// ErrExhausted means at least one window has no headroom for the requested cost.
	ErrExhausted = errors.New("quota exhausted")
	// ErrUnknownProvider is returned for providers that were never registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Unlimited is reported as remaining budget for providers without windows.
const Unlimited = math.MaxInt32

// WindowSpec declares one budget for a provider.
type WindowSpec struct {
	Kind     string
	Duration time.Duration
	Limit    int
}

// Window is a point-in-time view of one provider window.
type Window struct {
	Provider string        `json:"provider"`
	Kind     string        `json:"kind"`
	Start    time.Time     `json:"window_start"`
	Duration time.Duration `json:"duration"`
	ResetAt  time.Time     `json:"reset_at"`
	Limit    int           `json:"limit"`
	Used     int           `json:"used"`
}

// Remaining is the headroom left in the window.
func (w Window) Remaining() int {
	if r := w.Limit - w.Used; r > 0 {
		return r
	}
	return 0
}

// ProviderStatus summarizes every window of a provider.
type ProviderStatus struct {
	Provider  string   `json:"provider"`
	Available bool     `json:"available"`
	Windows   []Window `json:"windows"`
}

// Counter addresses one window instance in a Store.
type Counter struct {
	Key      string
	Limit    int
	ExpireAt time.Time
}

// Store holds window counters. Reserve must be atomic across all counters:
// either every counter is incremented by cost or none is.
type Store interface {
	Reserve(ctx context.Context, counters []Counter, cost int) (bool, error)
	Release(ctx context.Context, counters []Counter, cost int) error
	Used(ctx context.Context, counters []Counter) ([]int, error)
	Reset(ctx context.Context, prefix string) error
	Name() string
}

// Ticket records a successful reservation so it can be refunded.
type Ticket struct {
	Provider string
	Cost     int
	counters []Counter
	store    Store
}

// Tracker answers "is this provider usable right now" and charges usage.
// If the shared store fails, it falls back to an in-process store keyed the
// same way so accounting continues.
type Tracker struct {
	store    Store
	fallback Store
	now      func() time.Time

	mu        sync.RWMutex
	providers map[string][]WindowSpec
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker over store. A nil store means in-process only.
func NewTracker(store Store, opts ...Option) *Tracker {
	fallback := NewMemoryStore()
	if store == nil {
		store = fallback
	}
	t := &Tracker{
		store:     store,
		fallback:  fallback,
		now:       time.Now,
		providers: make(map[string][]WindowSpec),
	}
	for _, opt := range opts {
		opt(t)
	}
	fallback.now = t.now
	if ms, ok := store.(*MemoryStore); ok {
		ms.now = t.now
	}
	return t
}

// Register declares the windows of provider, replacing any previous set.
// A provider registered without windows is unmetered.
func (t *Tracker) Register(provider string, windows ...WindowSpec) {
	valid := make([]WindowSpec, 0, len(windows))
	for _, w := range windows {
		if w.Duration <= 0 || w.Limit < 0 {
			log.Printf("quota: ignoring invalid window %q for %s", w.Kind, provider)
			continue
		}
		valid = append(valid, w)
	}
	t.mu.Lock()
	t.providers[provider] = valid
	t.mu.Unlock()
}

// Providers returns the registered provider ids in sorted order.
func (t *Tracker) Providers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.providers))
	for id := range t.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acquire reserves cost units in every window of provider. It returns
// ErrExhausted without charging anything if any window lacks headroom.
func (t *Tracker) Acquire(ctx context.Context, provider string, cost int) (*Ticket, error) {
	specs, ok := t.specs(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if cost <= 0 {
		cost = 1
	}
	counters := t.counters(provider, specs, t.now())
	if len(counters) == 0 {
		return &Ticket{Provider: provider, Cost: cost}, nil
	}

	store := t.store
	reserved, err := store.Reserve(ctx, counters, cost)
	if err != nil {
		log.Printf("quota store %s failed, using in-process counters: %v", store.Name(), err)
		store = t.fallback
		reserved, err = store.Reserve(ctx, counters, cost)
		if err != nil {
			return nil, err
		}
	}
	if !reserved {
		return nil, fmt.Errorf("%w: %s", ErrExhausted, provider)
	}
	return &Ticket{Provider: provider, Cost: cost, counters: counters, store: store}, nil
}

// Refund returns a ticket's units to the windows it was charged against.
// Refunding after the window rolled over only touches the old window.
func (t *Tracker) Refund(ctx context.Context, ticket *Ticket) {
	if ticket == nil || ticket.store == nil || len(ticket.counters) == 0 {
		return
	}
	if err := ticket.store.Release(context.WithoutCancel(ctx), ticket.counters, ticket.Cost); err != nil {
		log.Printf("quota refund for %s failed: %v", ticket.Provider, err)
	}
	ticket.counters = nil
}

// RecordUsage charges cost units against provider.
func (t *Tracker) RecordUsage(ctx context.Context, provider string, cost int) error {
	_, err := t.Acquire(ctx, provider, cost)
	return err
}

// IsAvailable reports whether every window of provider has headroom.
func (t *Tracker) IsAvailable(ctx context.Context, provider string) bool {
	windows, ok := t.windows(ctx, provider)
	if !ok {
		return false
	}
	for _, w := range windows {
		if w.Used >= w.Limit {
			return false
		}
	}
	return true
}

// Remaining returns the headroom of one window, Unlimited for unmetered
// providers and 0 for unknown providers or kinds.
func (t *Tracker) Remaining(ctx context.Context, provider, kind string) int {
	windows, ok := t.windows(ctx, provider)
	if !ok {
		return 0
	}
	if len(windows) == 0 {
		return Unlimited
	}
	for _, w := range windows {
		if w.Kind == kind {
			return w.Remaining()
		}
	}
	return 0
}

// Budget returns the smallest headroom across all windows of provider.
func (t *Tracker) Budget(ctx context.Context, provider string) int {
	windows, ok := t.windows(ctx, provider)
	if !ok {
		return 0
	}
	budget := Unlimited
	for _, w := range windows {
		if r := w.Remaining(); r < budget {
			budget = r
		}
	}
	return budget
}

// Status returns a snapshot of every registered provider.
func (t *Tracker) Status(ctx context.Context) []ProviderStatus {
	ids := t.Providers()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		windows, _ := t.windows(ctx, id)
		available := true
		for _, w := range windows {
			if w.Used >= w.Limit {
				available = false
			}
		}
		out = append(out, ProviderStatus{Provider: id, Available: available, Windows: windows})
	}
	return out
}

// Reset clears every counter of provider. Administrative use only.
func (t *Tracker) Reset(ctx context.Context, provider string) error {
	if _, ok := t.specs(provider); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	prefix := keyPrefix(provider)
	if err := t.store.Reset(ctx, prefix); err != nil {
		return fmt.Errorf("reset %s: %w", provider, err)
	}
	if t.fallback != t.store {
		_ = t.fallback.Reset(ctx, prefix)
	}
	return nil
}

func (t *Tracker) windows(ctx context.Context, provider string) ([]Window, bool) {
	specs, ok := t.specs(provider)
	if !ok {
		return nil, false
	}
	now := t.now()
	counters := t.counters(provider, specs, now)
	if len(counters) == 0 {
		return []Window{}, true
	}

	used, err := t.store.Used(ctx, counters)
	if err != nil {
		log.Printf("quota store %s read failed, using in-process counters: %v", t.store.Name(), err)
		used, _ = t.fallback.Used(ctx, counters)
	}

	out := make([]Window, len(specs))
	for i, spec := range specs {
		start := windowStart(now, spec.Duration)
		u := 0
		if i < len(used) {
			u = used[i]
		}
		out[i] = Window{
			Provider: provider,
			Kind:     spec.Kind,
			Start:    start,
			Duration: spec.Duration,
			ResetAt:  start.Add(spec.Duration),
			Limit:    spec.Limit,
			Used:     u,
		}
	}
	return out, true
}

func (t *Tracker) specs(provider string) ([]WindowSpec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	specs, ok := t.providers[provider]
	return specs, ok
}

func (t *Tracker) counters(provider string, specs []WindowSpec, now time.Time) []Counter {
	out := make([]Counter, len(specs))
	for i, spec := range specs {
		start := windowStart(now, spec.Duration)
		out[i] = Counter{
			Key:      fmt.Sprintf("%s%s:%d", keyPrefix(provider), spec.Kind, start.UnixMilli()),
			Limit:    spec.Limit,
			ExpireAt: start.Add(spec.Duration).Add(time.Minute),
		}
	}
	return out
}

// keyPrefix uses a hash tag so every counter of a provider lands in one
// Redis cluster slot, which the reserve script requires.
func keyPrefix(provider string) string {
	return "quota:{" + provider + "}:"
}

func windowStart(now time.Time, d time.Duration) time.Time {
	ms := d.Milliseconds()
	if ms <= 0 {
		return now.UTC()
	}
	return time.UnixMilli(now.UnixMilli() / ms * ms).UTC()
}
