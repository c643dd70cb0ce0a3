package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/quota"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// batchChunk is the most symbols sent in one upstream batch call; each call
// costs one quota unit.
const batchChunk = 25

// QuoteOutcome is one entry of a batch response.
type QuoteOutcome struct {
	Quote     *domain.QuoteRecord `json:"quote,omitempty"`
	Source    string              `json:"source,omitempty"`
	Stale     bool                `json:"stale"`
	FetchedAt time.Time           `json:"fetched_at,omitempty"`
	Error     string              `json:"error,omitempty"`
	Err       error               `json:"-"`
}

func outcomeOf(res Result[*domain.QuoteRecord]) QuoteOutcome {
	return QuoteOutcome{Quote: res.Data, Source: res.Source, Stale: res.Stale, FetchedAt: res.FetchedAt}
}

func failedOutcome(err error) QuoteOutcome {
	return QuoteOutcome{Err: err, Error: err.Error()}
}

type batchAssignment struct {
	provider *registered
	symbols  []string
}

// GetBatchQuotes resolves many symbols at once. Symbols are first served from
// cache, then partitioned across batch-capable providers within their
// remaining quota, and anything left goes through GetQuote one by one. The
// result always has an entry per requested symbol; one symbol failing never
// fails the batch. Entries are keyed by the normalized ticker ("aapl" is
// returned under "AAPL"); input that cannot be normalized is keyed by the raw
// string as given, with ErrInvalidSymbol.
func (o *Orchestrator) GetBatchQuotes(ctx context.Context, symbols []string) map[string]QuoteOutcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get-batch-quotes", trace.WithAttributes(attribute.Int("symbols", len(symbols))))
	defer span.End()

	out := make(map[string]QuoteOutcome, len(symbols))
	var mu sync.Mutex
	set := func(sym string, oc QuoteOutcome) {
		mu.Lock()
		out[sym] = oc
		mu.Unlock()
	}

	var pending []string
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym, ok := domain.NormalizeSymbol(raw)
		if !ok {
			out[raw] = failedOutcome(fmt.Errorf("%w: %q", ErrInvalidSymbol, raw))
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		pending = append(pending, sym)
	}

	pending = o.fromCache(ctx, pending, set)

	leftover := o.batchFetch(ctx, pending, set)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, sym := range leftover {
		g.Go(func() error {
			res, err := o.GetQuote(gctx, sym)
			if err != nil {
				set(sym, failedOutcome(err))
				return nil
			}
			set(sym, outcomeOf(res))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) fromCache(ctx context.Context, symbols []string, set func(string, QuoteOutcome)) []string {
	if len(symbols) == 0 {
		return nil
	}
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = quoteKey(sym)
	}
	hits := o.cache.GetMultiple(ctx, keys)

	var misses []string
	for i, sym := range symbols {
		raw, ok := hits[keys[i]]
		if !ok {
			misses = append(misses, sym)
			continue
		}
		res, err := decodeResult[*domain.QuoteRecord](raw, false)
		if err != nil || res.Data == nil {
			misses = append(misses, sym)
			continue
		}
		set(sym, outcomeOf(res))
	}
	return misses
}

// partition assigns symbols to batch-capable providers in rank order, each
// taking at most budget*batchChunk symbols. Unassigned symbols are returned.
func (o *Orchestrator) partition(ctx context.Context, symbols []string) ([]batchAssignment, []string) {
	var plan []batchAssignment
	rest := symbols
	for _, p := range o.candidates(ctx, domain.CapBatchQuote) {
		if len(rest) == 0 {
			break
		}
		budget := o.quota.Budget(ctx, p.adapter.ID())
		if budget <= 0 {
			continue
		}
		capacity := len(rest)
		if budget < math.MaxInt32/batchChunk && budget*batchChunk < capacity {
			capacity = budget * batchChunk
		}
		for start := 0; start < capacity; start += batchChunk {
			end := min(start+batchChunk, capacity)
			plan = append(plan, batchAssignment{provider: p, symbols: rest[start:end]})
		}
		rest = rest[capacity:]
	}
	return plan, rest
}

// batchFetch runs the planned batch calls concurrently and caches every
// success. Symbols that failed or were never assigned are returned.
func (o *Orchestrator) batchFetch(ctx context.Context, symbols []string, set func(string, QuoteOutcome)) []string {
	if len(symbols) == 0 {
		return nil
	}
	plan, unassigned := o.partition(ctx, symbols)

	var mu sync.Mutex
	leftover := append([]string(nil), unassigned...)
	retry := func(syms ...string) {
		mu.Lock()
		leftover = append(leftover, syms...)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, a := range plan {
		g.Go(func() error {
			results, err := attempt(ctx, o, a.provider, func(actx context.Context) (map[string]domain.QuoteResult, error) {
				return a.provider.adapter.GetBatchQuotes(actx, a.symbols)
			})
			if err != nil {
				retry(a.symbols...)
				return nil
			}
			for _, sym := range a.symbols {
				r, ok := results[sym]
				if !ok || r.Err != nil || r.Quote == nil {
					retry(sym)
					continue
				}
				q := r.Quote
				q.Symbol = sym
				if q.Source == "" {
					q.Source = a.provider.adapter.ID()
				}
				res := o.storeQuote(ctx, sym, q)
				set(sym, outcomeOf(res))
			}
			return nil
		})
	}
	_ = g.Wait()
	return leftover
}

// storeQuote writes a provider quote through to cache, applying the same
// observation-order guard as GetQuote.
func (o *Orchestrator) storeQuote(ctx context.Context, sym string, q *domain.QuoteRecord) Result[*domain.QuoteRecord] {
	key := quoteKey(sym)
	q = o.guardObservedAt(ctx, key, q)
	env := envelope[*domain.QuoteRecord]{Data: q, Source: q.Source, FetchedAt: o.now().UTC()}
	if raw, err := json.Marshal(env); err == nil {
		o.cache.Set(ctx, key, raw, o.cfg.Freshness.Quote)
	}
	return Result[*domain.QuoteRecord]{Data: q, Source: q.Source, FetchedAt: env.FetchedAt}
}

// WarmReport summarizes one WarmCache pass.
type WarmReport struct {
	Requested    int            `json:"requested"`
	SkippedFresh int            `json:"skipped_fresh"`
	Warmed       int            `json:"warmed"`
	Failed       int            `json:"failed"`
	Deferred     int            `json:"deferred"`
	ByProvider   map[string]int `json:"by_provider"`
}

// warmAllowance caps how many calls a warming pass may spend per provider.
type warmAllowance struct {
	mu   sync.Mutex
	left map[string]int
}

func (w *warmAllowance) take(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.left[id] <= 0 {
		return false
	}
	w.left[id]--
	return true
}

func (w *warmAllowance) giveBack(id string) {
	w.mu.Lock()
	w.left[id]++
	w.mu.Unlock()
}

// WarmCache refreshes quotes for symbols that are not fresh in cache, using
// at most WarmQuotaFraction of each provider's remaining budget. Symbols for
// which no provider has allowance left are deferred to the next pass.
func (o *Orchestrator) WarmCache(ctx context.Context, symbols []string) WarmReport {
	ctx, span := o.tracer.Start(ctx, "orchestrator.warm-cache", trace.WithAttributes(attribute.Int("symbols", len(symbols))))
	defer span.End()

	report := WarmReport{ByProvider: make(map[string]int)}
	var stale []string
	for _, raw := range symbols {
		sym, ok := domain.NormalizeSymbol(raw)
		if !ok {
			continue
		}
		report.Requested++
		if o.cache.Has(ctx, quoteKey(sym)) {
			report.SkippedFresh++
			continue
		}
		stale = append(stale, sym)
	}
	if len(stale) == 0 {
		return report
	}

	cands := o.candidates(ctx, domain.CapQuote)
	allowance := &warmAllowance{left: make(map[string]int, len(cands))}
	for _, p := range cands {
		budget := o.quota.Budget(ctx, p.adapter.ID())
		if budget >= quota.Unlimited {
			allowance.left[p.adapter.ID()] = len(stale)
			continue
		}
		allowance.left[p.adapter.ID()] = int(math.Floor(float64(budget) * o.cfg.WarmQuotaFraction))
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, sym := range stale {
		g.Go(func() error {
			provider, err := o.warmOne(ctx, sym, cands, allowance)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Warmed++
				report.ByProvider[provider]++
			case errors.Is(err, errNoAllowance):
				report.Deferred++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("cache warm: requested=%d fresh=%d warmed=%d failed=%d deferred=%d",
		report.Requested, report.SkippedFresh, report.Warmed, report.Failed, report.Deferred)
	return report
}

var errNoAllowance = errors.New("warm allowance exhausted")

func (o *Orchestrator) warmOne(ctx context.Context, sym string, cands []*registered, allowance *warmAllowance) (string, error) {
	var lastErr error = errNoAllowance
	for _, p := range cands {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		id := p.adapter.ID()
		if !allowance.take(id) {
			continue
		}
		q, err := attempt(ctx, o, p, func(actx context.Context) (*domain.QuoteRecord, error) {
			return p.adapter.GetQuote(actx, sym)
		})
		if err != nil {
			var perr *domain.ProviderError
			if errors.Is(err, errQuotaSkipped) || (errors.As(err, &perr) && !perr.Billed) {
				allowance.giveBack(id)
			}
			lastErr = err
			continue
		}
		q.Symbol = sym
		if q.Source == "" {
			q.Source = id
		}
		o.storeQuote(ctx, sym, q)
		return id, nil
	}
	return "", lastErr
}
