package service

import (
	"context"
	"sort"
	"time"

	"alfalyzer/internal/quota"
)

// ProviderReport is the operator view of one registered provider.
type ProviderReport struct {
	ID            string         `json:"id"`
	Priority      int            `json:"priority"`
	Capabilities  []string       `json:"capabilities"`
	Available     bool           `json:"available"`
	SuccessRate   float64        `json:"success_rate"`
	CoolingDown   bool           `json:"cooling_down"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Windows       []quota.Window `json:"windows"`
}

// QuotaStatus is returned by GetQuotaStatus.
type QuotaStatus struct {
	Providers    []ProviderReport `json:"providers"`
	CacheBackend string           `json:"cache_backend"`
	CacheSize    int              `json:"cache_size"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// GetQuotaStatus reports per-provider quota windows and health, plus the
// cache backend in use.
func (o *Orchestrator) GetQuotaStatus(ctx context.Context) QuotaStatus {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get-quota-status")
	defer span.End()

	windows := make(map[string]quota.ProviderStatus)
	for _, st := range o.quota.Status(ctx) {
		windows[st.Provider] = st
	}

	o.mu.RLock()
	all := make([]*registered, 0, len(o.providers))
	for _, p := range o.providers {
		all = append(all, p)
	}
	o.mu.RUnlock()

	now := o.now()
	reports := make([]ProviderReport, 0, len(all))
	for _, p := range all {
		id := p.adapter.ID()
		st, ok := windows[id]
		if !ok {
			st = quota.ProviderStatus{Provider: id, Available: true}
		}
		cooling, until, lastErr := p.health.view(now)
		r := ProviderReport{
			ID:          id,
			Priority:    p.priority,
			Available:   st.Available,
			SuccessRate: p.health.successRate(),
			CoolingDown: cooling,
			LastError:   lastErr,
			Windows:     st.Windows,
		}
		if cooling {
			u := until.UTC()
			r.CooldownUntil = &u
		}
		for _, c := range p.adapter.Capabilities() {
			r.Capabilities = append(r.Capabilities, string(c))
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Priority != reports[j].Priority {
			return reports[i].Priority < reports[j].Priority
		}
		return reports[i].ID < reports[j].ID
	})

	return QuotaStatus{
		Providers:    reports,
		CacheBackend: o.cache.Backend(),
		CacheSize:    o.cache.Size(ctx),
		GeneratedAt:  now.UTC(),
	}
}
