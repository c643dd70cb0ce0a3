package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"alfalyzer/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const coingeckoBaseURL = "https://api.coingecko.com/api/v3"

// coinIDs maps ticker symbols to CoinGecko coin identifiers.
var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"MATIC": "matic-network",
}

// coinID accepts "BTC" as well as "BTC-USD" / "BTCUSD" style tickers.
func coinID(symbol string) (string, bool) {
	s := strings.TrimSuffix(strings.TrimSuffix(symbol, "-USD"), "USD")
	id, ok := coinIDs[s]
	return id, ok
}

// CoinGeckoProvider serves crypto quotes and market_chart history.
type CoinGeckoProvider struct {
	rest   *restClient
	tracer trace.Tracer
	now    func() time.Time
}

// NewCoinGeckoProvider creates the adapter. apiKey is optional; without it the
// public tier is throttled to 8 requests per minute.
func NewCoinGeckoProvider(tracer trace.Tracer, apiKey string) *CoinGeckoProvider {
	header := make(http.Header)
	throttle := NewThrottle(8, 7500*time.Millisecond)
	if apiKey != "" {
		header.Set("x-cg-demo-api-key", apiKey)
		throttle = NewThrottle(30, 2*time.Second)
	}
	return &CoinGeckoProvider{
		rest: &restClient{
			id:       "coingecko",
			client:   &http.Client{Timeout: 30 * time.Second},
			baseURL:  coingeckoBaseURL,
			header:   header,
			throttle: throttle,
		},
		tracer: tracer,
		now:    time.Now,
	}
}

func (p *CoinGeckoProvider) ID() string { return "coingecko" }

func (p *CoinGeckoProvider) Capabilities() []domain.Capability {
	return []domain.Capability{domain.CapQuote, domain.CapBatchQuote, domain.CapHistorical}
}

func (p *CoinGeckoProvider) GetQuote(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
	results, err := p.GetBatchQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	res := results[symbol]
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Quote, nil
}

// GetBatchQuotes fetches every known symbol in a single simple/price call.
// Unknown symbols get a per-symbol InvalidSymbol error.
func (p *CoinGeckoProvider) GetBatchQuotes(ctx context.Context, symbols []string) (map[string]domain.QuoteResult, error) {
	ctx, span := p.tracer.Start(ctx, "coingecko.get-batch-quotes", trace.WithAttributes(attribute.Int("symbols", len(symbols))))
	defer span.End()

	out := make(map[string]domain.QuoteResult, len(symbols))
	byID := make(map[string][]string)
	ids := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		id, ok := coinID(sym)
		if !ok {
			out[sym] = domain.QuoteResult{Err: invalidSymbol(p.ID(), sym)}
			continue
		}
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], sym)
	}
	if len(ids) == 0 {
		return out, nil
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_vol", "true")
	query.Set("include_24hr_change", "true")
	query.Set("include_last_updated_at", "true")

	body, err := p.rest.get(ctx, "/simple/price", query)
	if err != nil {
		return nil, err
	}

	// Response shape: {"bitcoin": {"usd": 97000, "usd_24h_vol": 4.5e10, "usd_24h_change": 2.34, "last_updated_at": 1700000000}, ...}
	var raw map[string]map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, parseError(p.ID(), err)
	}

	now := p.now().UTC()
	for id, syms := range byID {
		data, ok := raw[id]
		for _, sym := range syms {
			if !ok || data["usd"] <= 0 {
				out[sym] = domain.QuoteResult{Err: domain.NewProviderError(p.ID(), domain.KindInvalidSymbol, fmt.Errorf("no price for %s", sym))}
				continue
			}
			out[sym] = domain.QuoteResult{Quote: coinQuote(sym, data, now)}
		}
	}
	return out, nil
}

func coinQuote(symbol string, data map[string]float64, now time.Time) *domain.QuoteRecord {
	price := data["usd"]
	pct := data["usd_24h_change"]
	change := 0.0
	if pct > -100 {
		change = price - price/(1+pct/100)
	}
	observed := now
	if ts := int64(data["last_updated_at"]); ts > 0 {
		observed = time.Unix(ts, 0).UTC()
	}
	return &domain.QuoteRecord{
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: pct,
		Volume:        data["usd_24h_vol"],
		Source:        "coingecko",
		ObservedAt:    observed,
		FetchedAt:     now,
	}
}

// GetHistorical fetches market_chart data and buckets it into candles.
// days=1 gives ~5min granularity, up to 90 days gives hourly points.
func (p *CoinGeckoProvider) GetHistorical(ctx context.Context, symbol, interval string, size int) ([]*domain.Candle, error) {
	ctx, span := p.tracer.Start(ctx, "coingecko.get-historical", trace.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("interval", interval)))
	defer span.End()

	id, ok := coinID(symbol)
	if !ok {
		return nil, invalidSymbol(p.ID(), symbol)
	}
	step := intervalToDuration(interval)
	if step < 5*time.Minute {
		return nil, unsupported(p.ID(), "interval "+interval)
	}
	if size <= 0 {
		size = 100
	}
	days := int(math.Ceil(float64(step) * float64(size) / float64(24*time.Hour)))
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}

	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("days", fmt.Sprint(days))
	body, err := p.rest.get(ctx, "/coins/"+id+"/market_chart", query)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Prices       [][]float64 `json:"prices"`
		TotalVolumes [][]float64 `json:"total_volumes"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, parseError(p.ID(), err)
	}

	candles := buildCandlesFromMarketChart(symbol, interval, raw.Prices, raw.TotalVolumes)
	for _, c := range candles {
		c.Source = p.ID()
	}
	return lastN(candles, size), nil
}

func (p *CoinGeckoProvider) GetFundamentals(ctx context.Context, symbol string) (*domain.FundamentalsRecord, error) {
	return nil, unsupported(p.ID(), "fundamentals")
}

type volumePoint struct {
	ts  int64
	vol float64
}

// buildCandlesFromMarketChart constructs candles of the given interval
// from raw market_chart price/volume arrays.
func buildCandlesFromMarketChart(symbol, interval string, prices, volumes [][]float64) []*domain.Candle {
	if len(prices) == 0 {
		return nil
	}

	intervalDuration := intervalToDuration(interval)
	if intervalDuration == 0 {
		return nil
	}

	// Build volume lookup by timestamp for closest-match volume assignment
	volPoints := make([]volumePoint, 0, len(volumes))
	for _, v := range volumes {
		if len(v) >= 2 {
			volPoints = append(volPoints, volumePoint{ts: int64(v[0]), vol: v[1]})
		}
	}

	// Sort prices by timestamp
	sort.Slice(prices, func(i, j int) bool {
		return prices[i][0] < prices[j][0]
	})

	// Bucket prices into candle windows
	type bucket struct {
		open      float64
		high      float64
		low       float64
		close     float64
		openTime  time.Time
		lastVolTS int64
	}

	buckets := make(map[int64]*bucket)

	for _, pt := range prices {
		if len(pt) < 2 {
			continue
		}
		tsMs := int64(pt[0])
		price := pt[1]
		t := time.UnixMilli(tsMs)

		// Floor to interval boundary
		bucketTS := t.Truncate(intervalDuration).UnixMilli()

		b, exists := buckets[bucketTS]
		if !exists {
			b = &bucket{
				open:     price,
				high:     price,
				low:      price,
				close:    price,
				openTime: time.UnixMilli(bucketTS),
			}
			buckets[bucketTS] = b
		} else {
			b.high = math.Max(b.high, price)
			b.low = math.Min(b.low, price)
			b.close = price // last price in the bucket becomes the close
		}
	}

	// Build sorted candle list
	sortedKeys := make([]int64, 0, len(buckets))
	for k := range buckets {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Slice(sortedKeys, func(i, j int) bool { return sortedKeys[i] < sortedKeys[j] })

	// Assign volume: find the closest volume point for each bucket
	candles := make([]*domain.Candle, 0, len(sortedKeys))
	for _, k := range sortedKeys {
		b := buckets[k]
		vol := findClosestVolume(volPoints, k+int64(intervalDuration/time.Millisecond))
		candles = append(candles, &domain.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: b.openTime.UTC(),
			Open:     b.open,
			High:     b.high,
			Low:      b.low,
			Close:    b.close,
			Volume:   vol,
		})
	}

	return candles
}

func findClosestVolume(volumes []volumePoint, targetMs int64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	closest := volumes[0]
	minDiff := int64(math.MaxInt64)
	for _, v := range volumes {
		diff := v.ts - targetMs
		if diff < 0 {
			diff = -diff
		}
		if diff < minDiff {
			minDiff = diff
			closest = v
		}
	}
	return closest.vol
}
