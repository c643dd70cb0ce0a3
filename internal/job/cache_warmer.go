package job

import (
	"context"
	"log"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/service"

	"go.opentelemetry.io/otel/trace"
)

// CacheWarmer runs background goroutines that keep the watchlist fresh in
// cache so interactive requests rarely reach a provider.
type CacheWarmer struct {
	tracer          trace.Tracer
	data            Warmer
	watchlist       []string
	warmInterval    time.Duration
	historyInterval time.Duration
	historyDelay    time.Duration
}

type Warmer interface {
	WarmCache(ctx context.Context, symbols []string) service.WarmReport
	GetHistorical(ctx context.Context, symbol, interval string, size int) (service.Result[[]*domain.Candle], error)
}

func NewCacheWarmer(tracer trace.Tracer, data Warmer, watchlist []string, warmIntervalSecs int) *CacheWarmer {
	if warmIntervalSecs <= 0 {
		warmIntervalSecs = 300
	}
	return &CacheWarmer{
		tracer:          tracer,
		data:            data,
		watchlist:       watchlist,
		warmInterval:    time.Duration(warmIntervalSecs) * time.Second,
		historyInterval: 30 * time.Minute,
		historyDelay:    30 * time.Second,
	}
}

// Start launches the warming loops. Blocks until ctx is cancelled.
func (w *CacheWarmer) Start(ctx context.Context) {
	if len(w.watchlist) == 0 {
		log.Println("Cache warmer: empty watchlist, not starting")
		return
	}
	log.Printf("Cache warmer starting for %d symbols...", len(w.watchlist))

	// Tier 1: quotes for the whole watchlist every warmInterval.
	go w.loop(ctx, "quotes", 0, w.warmInterval, w.warmQuotes)

	// Tier 2: daily candles, one symbol per tick, round-robin.
	idx := 0
	go w.loop(ctx, "daily-candles", w.historyDelay, w.historyInterval, func(ctx context.Context) {
		w.warmHistory(ctx, &idx)
	})

	<-ctx.Done()
	log.Println("Cache warmer stopped")
}

func (w *CacheWarmer) loop(ctx context.Context, name string, delay, interval time.Duration, fn func(context.Context)) {
	log.Printf("Cache warmer: %s tier every %v", name, interval)
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *CacheWarmer) warmQuotes(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "cache-warmer.quotes")
	defer span.End()

	w.data.WarmCache(ctx, w.watchlist)
}

func (w *CacheWarmer) warmHistory(ctx context.Context, idx *int) {
	ctx, span := w.tracer.Start(ctx, "cache-warmer.daily-candles")
	defer span.End()

	symbol := w.watchlist[*idx%len(w.watchlist)]
	*idx++

	if _, err := w.data.GetHistorical(ctx, symbol, "1d", 0); err != nil {
		log.Printf("daily candle warm error for %s: %v", symbol, err)
	}
}
