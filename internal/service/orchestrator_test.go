package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alfalyzer/internal/cache"
	"alfalyzer/internal/domain"
	"alfalyzer/internal/quota"

	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	id    string
	caps  []domain.Capability
	quote func(ctx context.Context, symbol string) (*domain.QuoteRecord, error)
	batch func(ctx context.Context, symbols []string) (map[string]domain.QuoteResult, error)
	hist  func(ctx context.Context, symbol, interval string, size int) ([]*domain.Candle, error)

	quoteCalls atomic.Int32
	batchCalls atomic.Int32
	histCalls  atomic.Int32
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Capabilities() []domain.Capability { return f.caps }

func (f *fakeAdapter) GetQuote(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
	f.quoteCalls.Add(1)
	if f.quote == nil {
		return nil, domain.NewProviderError(f.id, domain.KindUnavailable, errors.New("no quote"))
	}
	return f.quote(ctx, symbol)
}

func (f *fakeAdapter) GetBatchQuotes(ctx context.Context, symbols []string) (map[string]domain.QuoteResult, error) {
	f.batchCalls.Add(1)
	if f.batch == nil {
		return nil, domain.NewProviderError(f.id, domain.KindUnavailable, errors.New("no batch"))
	}
	return f.batch(ctx, symbols)
}

func (f *fakeAdapter) GetHistorical(ctx context.Context, symbol, interval string, size int) ([]*domain.Candle, error) {
	f.histCalls.Add(1)
	if f.hist == nil {
		return nil, domain.NewProviderError(f.id, domain.KindUnavailable, errors.New("no history"))
	}
	return f.hist(ctx, symbol, interval, size)
}

func (f *fakeAdapter) GetFundamentals(ctx context.Context, symbol string) (*domain.FundamentalsRecord, error) {
	return &domain.FundamentalsRecord{Symbol: symbol, MarketCap: 1e12, Source: f.id}, nil
}

func priceAt(id string, price float64, observed time.Time) func(context.Context, string) (*domain.QuoteRecord, error) {
	return func(_ context.Context, symbol string) (*domain.QuoteRecord, error) {
		return &domain.QuoteRecord{Symbol: symbol, Price: price, Source: id, ObservedAt: observed}, nil
	}
}

func rateLimited(id string) func(context.Context, string) (*domain.QuoteRecord, error) {
	return func(context.Context, string) (*domain.QuoteRecord, error) {
		return nil, domain.NewProviderError(id, domain.KindRateLimited, errors.New("429"))
	}
}

type fixture struct {
	clock   *fakeClock
	cache   *cache.Store
	tracker *quota.Tracker
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	store := cache.NewStore(cache.NewMemoryBackend(0), cache.WithClock(clock.Now))
	tracker := quota.NewTracker(nil, quota.WithClock(clock.Now))
	orch := NewOrchestrator(testTracer, store, tracker, Config{ProviderTimeout: time.Second}, WithClock(clock.Now))
	return &fixture{clock: clock, cache: store, tracker: tracker, orch: orch}
}

func perMinute(limit int) quota.WindowSpec {
	return quota.WindowSpec{Kind: "minute", Duration: time.Minute, Limit: limit}
}

func used(t *testing.T, tracker *quota.Tracker, provider string) int {
	t.Helper()
	for _, st := range tracker.Status(context.Background()) {
		if st.Provider == provider && len(st.Windows) > 0 {
			return st.Windows[0].Used
		}
	}
	return 0
}

func TestGetQuoteFreshCacheSkipsProviders(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}, quote: priceAt("a", 190, f.clock.Now())}
	f.orch.Register(a, 1, perMinute(10))
	ctx := context.Background()

	first, err := f.orch.GetQuote(ctx, "aapl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Source != "a" || first.Stale || first.Data.Price != 190 {
		t.Fatalf("unexpected result: %+v", first)
	}

	f.clock.Advance(30 * time.Second)
	second, err := f.orch.GetQuote(ctx, "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.quoteCalls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", a.quoteCalls.Load())
	}
	if second.Source != "a" || second.Stale {
		t.Fatalf("cached result lost provenance: %+v", second)
	}
	if used(t, f.tracker, "a") != 1 {
		t.Fatalf("cache hit must not charge quota, used=%d", used(t, f.tracker, "a"))
	}
}

func TestGetQuoteFallsBackWithoutChargingRateLimitedProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}, quote: rateLimited("a")}
	b := &fakeAdapter{id: "b", caps: []domain.Capability{domain.CapQuote}, quote: priceAt("b", 101, f.clock.Now())}
	f.orch.Register(a, 1, perMinute(5))
	f.orch.Register(b, 2, perMinute(5))

	res, err := f.orch.GetQuote(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != "b" {
		t.Fatalf("expected source b, got %q", res.Source)
	}
	if a.quoteCalls.Load() != 1 {
		t.Fatalf("expected provider a to be tried first")
	}
	if got := used(t, f.tracker, "a"); got != 0 {
		t.Fatalf("rate limited provider must be refunded, used=%d", got)
	}
	if got := used(t, f.tracker, "b"); got != 1 {
		t.Fatalf("expected b charged once, used=%d", got)
	}

	// a is now cooling down and should be ranked behind b.
	f.clock.Advance(10 * time.Second)
	if _, err := f.orch.GetQuote(context.Background(), "TSLA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.quoteCalls.Load() != 1 {
		t.Fatalf("cooling provider should not be tried before a healthy one")
	}
}

func TestGetQuoteSkipsExhaustedProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}, quote: priceAt("a", 1, f.clock.Now())}
	b := &fakeAdapter{id: "b", caps: []domain.Capability{domain.CapQuote}, quote: priceAt("b", 2, f.clock.Now())}
	f.orch.Register(a, 1, perMinute(1))
	f.orch.Register(b, 2)

	ctx := context.Background()
	if res, err := f.orch.GetQuote(ctx, "AAA"); err != nil || res.Source != "a" {
		t.Fatalf("expected a, got %+v %v", res, err)
	}
	res, err := f.orch.GetQuote(ctx, "BBB")
	if err != nil || res.Source != "b" {
		t.Fatalf("expected b once a is exhausted, got %+v %v", res, err)
	}
	if a.quoteCalls.Load() != 1 {
		t.Fatalf("exhausted provider must not be called, got %d calls", a.quoteCalls.Load())
	}
}

func TestGetQuoteCollapsesConcurrentCallers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	release := make(chan struct{})
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}}
	a.quote = func(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
		<-release
		return &domain.QuoteRecord{Symbol: symbol, Price: 5, Source: "a"}, nil
	}
	f.orch.Register(a, 1, perMinute(100))

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.GetQuote(context.Background(), "NVDA")
			if err == nil && res.Data.Price != 5 {
				err = fmt.Errorf("unexpected price %v", res.Data.Price)
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("caller failed: %v", err)
		}
	}
	if a.quoteCalls.Load() != 1 {
		t.Fatalf("expected a single upstream call, got %d", a.quoteCalls.Load())
	}
}

func TestGetQuoteServesStaleWhenAllProvidersFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	healthy := true
	var mu sync.Mutex
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}}
	a.quote = func(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return nil, domain.NewProviderError("a", domain.KindUnavailable, errors.New("503"))
		}
		return &domain.QuoteRecord{Symbol: symbol, Price: 77, Source: "a"}, nil
	}
	f.orch.Register(a, 1)

	ctx := context.Background()
	if _, err := f.orch.GetQuote(ctx, "IBM"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()
	f.clock.Advance(5 * time.Minute)

	res, err := f.orch.GetQuote(ctx, "IBM")
	if err != nil {
		t.Fatalf("expected stale rescue, got %v", err)
	}
	if !res.Stale || res.Data.Price != 77 || res.Source != "a" {
		t.Fatalf("expected stale result from a, got %+v", res)
	}

	if _, err := f.orch.GetQuote(ctx, "ORCL"); !errors.Is(err, ErrNoDataAvailable) {
		t.Fatalf("expected ErrNoDataAvailable for uncached symbol, got %v", err)
	}
}

func TestGetQuoteInvalidSymbolEverywhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}}
	a.quote = func(context.Context, string) (*domain.QuoteRecord, error) {
		return nil, domain.NewProviderError("a", domain.KindInvalidSymbol, errors.New("unknown ticker"))
	}
	f.orch.Register(a, 1)

	_, err := f.orch.GetQuote(context.Background(), "ZZZINVALID")
	if !errors.Is(err, ErrNoDataAvailable) {
		t.Fatalf("expected ErrNoDataAvailable, got %v", err)
	}
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Kind != domain.KindInvalidSymbol {
		t.Fatalf("expected wrapped invalid symbol error, got %v", err)
	}
	if rate := f.orch.GetQuotaStatus(context.Background()).Providers[0].SuccessRate; rate != 1 {
		t.Fatalf("invalid symbols must not count against provider health, rate=%v", rate)
	}

	if _, err := f.orch.GetQuote(context.Background(), "bad symbol"); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}
}

func TestGetQuoteCancelledAttemptIsRefunded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	started := make(chan struct{})
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}}
	a.quote = func(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.orch.Register(a, 1, perMinute(3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.GetQuote(ctx, "AMD")
		done <- err
	}()
	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for used(t, f.tracker, "a") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cancelled attempt was not refunded, used=%d", used(t, f.tracker, "a"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetQuoteKeepsNewerObservation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	newer := f.clock.Now()
	observed := newer
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapQuote}}
	a.quote = func(_ context.Context, symbol string) (*domain.QuoteRecord, error) {
		return &domain.QuoteRecord{Symbol: symbol, Price: 10, Source: "a", ObservedAt: observed}, nil
	}
	f.orch.Register(a, 1)

	ctx := context.Background()
	if _, err := f.orch.GetQuote(ctx, "GE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	observed = newer.Add(-time.Hour)
	res, err := f.orch.GetQuote(ctx, "GE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Data.ObservedAt.Equal(newer) {
		t.Fatalf("older observation replaced newer one: %v", res.Data.ObservedAt)
	}
}

func TestGetHistoricalArchivesAndValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	archived := make(chan []*domain.Candle, 1)
	f.orch.archive = archiveFunc(func(_ context.Context, c []*domain.Candle) error {
		archived <- c
		return nil
	})
	a := &fakeAdapter{id: "a", caps: []domain.Capability{domain.CapHistorical}}
	a.hist = func(_ context.Context, symbol, interval string, size int) ([]*domain.Candle, error) {
		if size != defaultHistoricalSize {
			return nil, fmt.Errorf("unexpected size %d", size)
		}
		return []*domain.Candle{{Interval: interval, Close: 1}, {Interval: interval, Close: 2}}, nil
	}
	f.orch.Register(a, 1)

	ctx := context.Background()
	res, err := f.orch.GetHistorical(ctx, "spy", "1d", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Data) != 2 || res.Data[0].Symbol != "SPY" || res.Data[0].Source != "a" {
		t.Fatalf("unexpected candles: %+v", res.Data)
	}
	select {
	case got := <-archived:
		if len(got) != 2 {
			t.Fatalf("expected 2 archived candles, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("candles were not archived")
	}

	if _, err := f.orch.GetHistorical(ctx, "SPY", "3h", 10); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

type archiveFunc func(context.Context, []*domain.Candle) error

func (f archiveFunc) UpsertCandles(ctx context.Context, c []*domain.Candle) error { return f(ctx, c) }

func TestGetFundamentalsUsesCapableProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	quoteOnly := &fakeAdapter{id: "q", caps: []domain.Capability{domain.CapQuote}}
	fund := &fakeAdapter{id: "f", caps: []domain.Capability{domain.CapFundamentals}}
	f.orch.Register(quoteOnly, 0)
	f.orch.Register(fund, 5)

	res, err := f.orch.GetFundamentals(context.Background(), "KO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != "f" || res.Data.MarketCap != 1e12 {
		t.Fatalf("unexpected fundamentals: %+v", res)
	}
}

func TestRankByHealth(t *testing.T) {
	t.Parallel()

	got := RankByHealth([]Candidate{
		{ID: "cooling", Priority: 0, CoolingDown: true, SuccessRate: 1},
		{ID: "flaky", Priority: 1, SuccessRate: 0.5},
		{ID: "steady", Priority: 1, SuccessRate: 0.9},
		{ID: "backup", Priority: 3, SuccessRate: 1},
	})
	want := []string{"steady", "flaky", "backup", "cooling"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}
