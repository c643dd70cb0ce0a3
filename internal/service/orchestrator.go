package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/quota"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoDataAvailable is returned only after the cache, every provider and
	// the stale rescue path have all come up empty.
	ErrNoDataAvailable = errors.New("no data available")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidInterval = errors.New("unsupported interval")
	errNoProviders     = errors.New("no provider can serve this request")
	errQuotaSkipped    = errors.New("provider skipped: quota exhausted")
)

const (
	defaultHistoricalSize = 100
	maxHistoricalSize     = 1000
	archiveTimeout        = 10 * time.Second
)

// Freshness is how long each data type counts as fresh in the cache.
type Freshness struct {
	Quote        time.Duration
	Historical   time.Duration
	Fundamentals time.Duration
}

type Config struct {
	Freshness         Freshness
	ProviderTimeout   time.Duration
	BatchConcurrency  int
	WarmQuotaFraction float64
}

func DefaultConfig() Config {
	return Config{
		Freshness: Freshness{
			Quote:        60 * time.Second,
			Historical:   15 * time.Minute,
			Fundamentals: 24 * time.Hour,
		},
		ProviderTimeout:   4 * time.Second,
		BatchConcurrency:  4,
		WarmQuotaFraction: 0.25,
	}
}

// CacheStore is the subset of cache.Store the orchestrator needs.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	GetStale(ctx context.Context, key string) ([]byte, time.Time, bool)
	Has(ctx context.Context, key string) bool
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	GetMultiple(ctx context.Context, keys []string) map[string][]byte
	Do(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, bool, error)
	Backend() string
	Size(ctx context.Context) int
}

// QuotaTracker is the subset of quota.Tracker the orchestrator needs.
type QuotaTracker interface {
	Register(provider string, windows ...quota.WindowSpec)
	Acquire(ctx context.Context, provider string, cost int) (*quota.Ticket, error)
	Refund(ctx context.Context, ticket *quota.Ticket)
	IsAvailable(ctx context.Context, provider string) bool
	Budget(ctx context.Context, provider string) int
	Status(ctx context.Context) []quota.ProviderStatus
}

// HistoryArchive receives every freshly fetched candle series. The
// orchestrator never reads history back from it.
type HistoryArchive interface {
	UpsertCandles(ctx context.Context, candles []*domain.Candle) error
}

// Result carries data together with its provenance.
type Result[T any] struct {
	Data      T         `json:"data"`
	Source    string    `json:"source"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}

type envelope[T any] struct {
	Data      T         `json:"data"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// chainError collects the per-provider failures of one fallback walk.
type chainError struct {
	errs []error
}

func (e *chainError) Error() string {
	parts := make([]string, 0, len(e.errs))
	for _, err := range e.errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

func (e *chainError) Unwrap() []error { return e.errs }

// Orchestrator resolves market-data requests through cache, ranked provider
// fallback and stale rescue.
type Orchestrator struct {
	tracer  trace.Tracer
	cache   CacheStore
	quota   QuotaTracker
	archive HistoryArchive
	cfg     Config
	ranker  Ranker
	now     func() time.Time

	mu        sync.RWMutex
	providers map[string]*registered
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithHistoryArchive(archive HistoryArchive) Option {
	return func(o *Orchestrator) { o.archive = archive }
}

func WithRanker(r Ranker) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.ranker = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(tracer trace.Tracer, cacheStore CacheStore, tracker QuotaTracker, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Freshness.Quote <= 0 {
		cfg.Freshness.Quote = def.Freshness.Quote
	}
	if cfg.Freshness.Historical <= 0 {
		cfg.Freshness.Historical = def.Freshness.Historical
	}
	if cfg.Freshness.Fundamentals <= 0 {
		cfg.Freshness.Fundamentals = def.Freshness.Fundamentals
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.WarmQuotaFraction <= 0 || cfg.WarmQuotaFraction > 1 {
		cfg.WarmQuotaFraction = def.WarmQuotaFraction
	}
	o := &Orchestrator{
		tracer:    tracer,
		cache:     cacheStore,
		quota:     tracker,
		cfg:       cfg,
		ranker:    RankByHealth,
		now:       time.Now,
		providers: make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a provider with a static priority (lower is preferred) and
// its quota windows. No windows means unmetered.
func (o *Orchestrator) Register(adapter domain.ProviderAdapter, priority int, windows ...quota.WindowSpec) {
	o.quota.Register(adapter.ID(), windows...)
	o.mu.Lock()
	o.providers[adapter.ID()] = &registered{adapter: adapter, priority: priority, health: &providerHealth{}}
	o.mu.Unlock()
}

// GetQuote returns the latest quote for symbol.
func (o *Orchestrator) GetQuote(ctx context.Context, symbol string) (Result[*domain.QuoteRecord], error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get-quote", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	sym, ok := domain.NormalizeSymbol(symbol)
	if !ok {
		return Result[*domain.QuoteRecord]{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	key := quoteKey(sym)
	return resolve(ctx, o, domain.CapQuote, key, o.cfg.Freshness.Quote,
		func(ctx context.Context, p domain.ProviderAdapter) (*domain.QuoteRecord, error) {
			q, err := p.GetQuote(ctx, sym)
			if err != nil {
				return nil, err
			}
			return o.guardObservedAt(ctx, key, q), nil
		})
}

// GetHistorical returns up to size candles of interval for symbol.
func (o *Orchestrator) GetHistorical(ctx context.Context, symbol, interval string, size int) (Result[[]*domain.Candle], error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get-historical", trace.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("interval", interval), attribute.Int("size", size)))
	defer span.End()

	sym, ok := domain.NormalizeSymbol(symbol)
	if !ok {
		return Result[[]*domain.Candle]{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if !domain.IsSupportedInterval(interval) {
		return Result[[]*domain.Candle]{}, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if size <= 0 {
		size = defaultHistoricalSize
	}
	if size > maxHistoricalSize {
		size = maxHistoricalSize
	}

	key := fmt.Sprintf("hist:%s:%s:%d", sym, interval, size)
	return resolve(ctx, o, domain.CapHistorical, key, o.cfg.Freshness.Historical,
		func(ctx context.Context, p domain.ProviderAdapter) ([]*domain.Candle, error) {
			candles, err := p.GetHistorical(ctx, sym, interval, size)
			if err != nil {
				return nil, err
			}
			if len(candles) == 0 {
				return nil, domain.NewProviderError(p.ID(), domain.KindInvalidSymbol, fmt.Errorf("empty series for %s", sym))
			}
			for _, c := range candles {
				c.Symbol = sym
				if c.Source == "" {
					c.Source = p.ID()
				}
			}
			o.archiveAsync(candles)
			return candles, nil
		})
}

// GetFundamentals returns slow-moving company metrics for symbol.
func (o *Orchestrator) GetFundamentals(ctx context.Context, symbol string) (Result[*domain.FundamentalsRecord], error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get-fundamentals", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	sym, ok := domain.NormalizeSymbol(symbol)
	if !ok {
		return Result[*domain.FundamentalsRecord]{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return resolve(ctx, o, domain.CapFundamentals, "fund:"+sym, o.cfg.Freshness.Fundamentals,
		func(ctx context.Context, p domain.ProviderAdapter) (*domain.FundamentalsRecord, error) {
			return p.GetFundamentals(ctx, sym)
		})
}

// resolve runs the cache → ranked providers → stale rescue chain for one key.
// Concurrent callers for the same key share one provider walk.
func resolve[T any](
	ctx context.Context,
	o *Orchestrator,
	capability domain.Capability,
	key string,
	ttl time.Duration,
	call func(context.Context, domain.ProviderAdapter) (T, error),
) (Result[T], error) {
	raw, _, err := o.cache.Do(ctx, key, ttl, func(fctx context.Context) ([]byte, error) {
		return fetchChain(fctx, o, capability, call)
	})
	if err == nil {
		res, derr := decodeResult[T](raw, false)
		if derr == nil {
			return res, nil
		}
		err = derr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result[T]{}, ctxErr
	}

	if staleRaw, expiredAt, ok := o.cache.GetStale(ctx, key); ok {
		if res, derr := decodeResult[T](staleRaw, true); derr == nil {
			log.Printf("serving stale %s (expired %s ago): %v", key, o.now().Sub(expiredAt).Round(time.Second), err)
			return res, nil
		}
	}
	return Result[T]{}, fmt.Errorf("%w for %s: %w", ErrNoDataAvailable, key, err)
}

// fetchChain tries each ranked provider in order and returns the first
// success encoded as a cache envelope.
func fetchChain[T any](
	ctx context.Context,
	o *Orchestrator,
	capability domain.Capability,
	call func(context.Context, domain.ProviderAdapter) (T, error),
) ([]byte, error) {
	cands := o.candidates(ctx, capability)
	if len(cands) == 0 {
		return nil, errNoProviders
	}

	var errs []error
	for _, p := range cands {
		v, err := attempt(ctx, o, p, func(actx context.Context) (T, error) {
			return call(actx, p.adapter)
		})
		if err == nil {
			return json.Marshal(envelope[T]{Data: v, Source: p.adapter.ID(), FetchedAt: o.now().UTC()})
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, errQuotaSkipped) {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, errNoProviders
	}
	return nil, &chainError{errs: errs}
}

// attempt makes one quota-charged call with the per-attempt timeout. Quota is
// refunded when the provider refused before doing work or the caller gave up.
func attempt[T any](ctx context.Context, o *Orchestrator, p *registered, call func(context.Context) (T, error)) (T, error) {
	var zero T
	id := p.adapter.ID()

	ticket, err := o.quota.Acquire(ctx, id, 1)
	if err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			return zero, errQuotaSkipped
		}
		return zero, err
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	v, err := call(actx)
	if err == nil {
		p.health.record(true, nil, o.now())
		return v, nil
	}
	if ctx.Err() != nil {
		o.quota.Refund(ctx, ticket)
		return zero, ctx.Err()
	}

	perr := domain.AsProviderError(id, err)
	if !perr.Billed {
		o.quota.Refund(ctx, ticket)
	}
	if perr.Kind != domain.KindInvalidSymbol {
		p.health.record(false, perr, o.now())
	}
	log.Printf("provider %s failed: %v", id, perr)
	return zero, perr
}

// guardObservedAt keeps the cached record when the same provider returns an
// older observation than the one already cached.
func (o *Orchestrator) guardObservedAt(ctx context.Context, key string, fresh *domain.QuoteRecord) *domain.QuoteRecord {
	raw, _, ok := o.cache.GetStale(ctx, key)
	if !ok {
		return fresh
	}
	var cached envelope[*domain.QuoteRecord]
	if err := json.Unmarshal(raw, &cached); err != nil || cached.Data == nil {
		return fresh
	}
	if cached.Data.Source == fresh.Source && fresh.ObservedAt.Before(cached.Data.ObservedAt) {
		log.Printf("quote %s from %s went backwards (%s < %s), keeping cached record",
			fresh.Symbol, fresh.Source, fresh.ObservedAt, cached.Data.ObservedAt)
		kept := *cached.Data
		kept.FetchedAt = fresh.FetchedAt
		return &kept
	}
	return fresh
}

func (o *Orchestrator) archiveAsync(candles []*domain.Candle) {
	if o.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := o.archive.UpsertCandles(ctx, candles); err != nil {
			log.Printf("history archive upsert failed: %v", err)
		}
	}()
}

func decodeResult[T any](raw []byte, stale bool) (Result[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result[T]{}, fmt.Errorf("decode cached entry: %w", err)
	}
	return Result[T]{Data: env.Data, Source: env.Source, Stale: stale, FetchedAt: env.FetchedAt}, nil
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}
