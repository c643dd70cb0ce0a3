package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"alfalyzer/internal/domain"
)

const (
	healthWindow        = 20
	rateLimitCooldown   = 30 * time.Second
	unavailableCooldown = 10 * time.Second
)

// Candidate is what a Ranker sees about one provider.
type Candidate struct {
	ID          string
	Priority    int
	CoolingDown bool
	SuccessRate float64
}

// Ranker orders candidates for one request. Candidates whose quota is
// exhausted have already been removed.
type Ranker func([]Candidate) []Candidate

// RankByHealth prefers providers not cooling down, then lower priority
// numbers, then higher recent success rate.
func RankByHealth(c []Candidate) []Candidate {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].CoolingDown != c[j].CoolingDown {
			return !c[i].CoolingDown
		}
		if c[i].Priority != c[j].Priority {
			return c[i].Priority < c[j].Priority
		}
		return c[i].SuccessRate > c[j].SuccessRate
	})
	return c
}

// providerHealth tracks the last healthWindow outcomes of one provider.
type providerHealth struct {
	mu            sync.Mutex
	outcomes      [healthWindow]bool
	n, next       int
	cooldownUntil time.Time
	lastError     string
	lastErrorAt   time.Time
}

func (h *providerHealth) record(ok bool, perr *domain.ProviderError, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes[h.next] = ok
	h.next = (h.next + 1) % healthWindow
	if h.n < healthWindow {
		h.n++
	}
	if ok || perr == nil {
		return
	}
	h.lastError = perr.Error()
	h.lastErrorAt = now
	switch perr.Kind {
	case domain.KindRateLimited:
		wait := perr.RetryAfter
		if wait <= 0 {
			wait = rateLimitCooldown
		}
		h.cooldownUntil = now.Add(wait)
	case domain.KindUnavailable:
		h.cooldownUntil = now.Add(unavailableCooldown)
	}
}

func (h *providerHealth) successRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < h.n; i++ {
		if h.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(h.n)
}

func (h *providerHealth) view(now time.Time) (coolingDown bool, until time.Time, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Before(h.cooldownUntil), h.cooldownUntil, h.lastError
}

type registered struct {
	adapter  domain.ProviderAdapter
	priority int
	health   *providerHealth
}

// candidates returns the providers able to serve capability, available per
// quota, in ranked order. Providers without headroom are skipped here so
// they are never charged.
func (o *Orchestrator) candidates(ctx context.Context, capability domain.Capability) []*registered {
	o.mu.RLock()
	all := make([]*registered, 0, len(o.providers))
	for _, p := range o.providers {
		all = append(all, p)
	}
	o.mu.RUnlock()

	now := o.now()
	byID := make(map[string]*registered, len(all))
	cands := make([]Candidate, 0, len(all))
	for _, p := range all {
		if !domain.HasCapability(p.adapter, capability) {
			continue
		}
		if !o.quota.IsAvailable(ctx, p.adapter.ID()) {
			continue
		}
		cooling, _, _ := p.health.view(now)
		byID[p.adapter.ID()] = p
		cands = append(cands, Candidate{
			ID:          p.adapter.ID(),
			Priority:    p.priority,
			CoolingDown: cooling,
			SuccessRate: p.health.successRate(),
		})
	}

	ranked := o.ranker(cands)
	out := make([]*registered, 0, len(ranked))
	for _, c := range ranked {
		if p, ok := byID[c.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}
