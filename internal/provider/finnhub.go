package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"alfalyzer/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubProvider serves equity quotes, candles and basic financials.
type FinnhubProvider struct {
	rest   *restClient
	tracer trace.Tracer
	now    func() time.Time
}

// NewFinnhubProvider creates the adapter. The free tier allows 60 calls per
// minute; the local throttle keeps bursts under that.
func NewFinnhubProvider(tracer trace.Tracer, apiKey string) *FinnhubProvider {
	header := make(http.Header)
	if apiKey != "" {
		header.Set("X-Finnhub-Token", apiKey)
	}
	return &FinnhubProvider{
		rest: &restClient{
			id:       "finnhub",
			client:   &http.Client{Timeout: 15 * time.Second},
			baseURL:  finnhubBaseURL,
			header:   header,
			throttle: NewThrottle(30, time.Second),
		},
		tracer: tracer,
		now:    time.Now,
	}
}

func (p *FinnhubProvider) ID() string { return "finnhub" }

func (p *FinnhubProvider) Capabilities() []domain.Capability {
	return []domain.Capability{domain.CapQuote, domain.CapHistorical, domain.CapFundamentals}
}

type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

func (p *FinnhubProvider) GetQuote(ctx context.Context, symbol string) (*domain.QuoteRecord, error) {
	ctx, span := p.tracer.Start(ctx, "finnhub.get-quote", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	body, err := p.rest.get(ctx, "/quote", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var raw finnhubQuote
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, parseError(p.ID(), err)
	}
	// Finnhub answers unknown tickers with an all-zero quote.
	if raw.Current <= 0 || raw.Timestamp == 0 {
		return nil, domain.NewProviderError(p.ID(), domain.KindInvalidSymbol, fmt.Errorf("no quote for %s", symbol))
	}

	now := p.now().UTC()
	return &domain.QuoteRecord{
		Symbol:        symbol,
		Price:         raw.Current,
		Change:        raw.Change,
		ChangePercent: raw.ChangePercent,
		Source:        p.ID(),
		ObservedAt:    time.Unix(raw.Timestamp, 0).UTC(),
		FetchedAt:     now,
	}, nil
}

// GetBatchQuotes has no upstream batch endpoint; it issues one quote call per
// symbol and stops early if the provider starts refusing.
func (p *FinnhubProvider) GetBatchQuotes(ctx context.Context, symbols []string) (map[string]domain.QuoteResult, error) {
	out := make(map[string]domain.QuoteResult, len(symbols))
	for i, sym := range symbols {
		q, err := p.GetQuote(ctx, sym)
		if err != nil {
			if perr := domain.AsProviderError(p.ID(), err); perr.Kind == domain.KindRateLimited || ctx.Err() != nil {
				for _, rest := range symbols[i:] {
					out[rest] = domain.QuoteResult{Err: err}
				}
				return out, nil
			}
			out[sym] = domain.QuoteResult{Err: err}
			continue
		}
		out[sym] = domain.QuoteResult{Quote: q}
	}
	return out, nil
}

var finnhubResolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"1h":  "60",
	"4h":  "60",
	"1d":  "D",
	"1w":  "W",
}

func (p *FinnhubProvider) GetHistorical(ctx context.Context, symbol, interval string, size int) ([]*domain.Candle, error) {
	ctx, span := p.tracer.Start(ctx, "finnhub.get-historical", trace.WithAttributes(
		attribute.String("symbol", symbol), attribute.String("interval", interval)))
	defer span.End()

	resolution, ok := finnhubResolutions[interval]
	if !ok {
		return nil, unsupported(p.ID(), "interval "+interval)
	}
	if size <= 0 {
		size = 100
	}
	step := intervalToDuration(interval)
	to := p.now().UTC()
	// Markets are closed most of the week, so look back further than size*step.
	from := to.Add(-3 * step * time.Duration(size))

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("resolution", resolution)
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))
	body, err := p.rest.get(ctx, "/stock/candle", query)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Close  []float64 `json:"c"`
		High   []float64 `json:"h"`
		Low    []float64 `json:"l"`
		Open   []float64 `json:"o"`
		Time   []int64   `json:"t"`
		Volume []float64 `json:"v"`
		Status string    `json:"s"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, parseError(p.ID(), err)
	}
	if raw.Status == "no_data" {
		return nil, domain.NewProviderError(p.ID(), domain.KindInvalidSymbol, fmt.Errorf("no candles for %s", symbol))
	}
	n := len(raw.Time)
	if len(raw.Close) != n || len(raw.High) != n || len(raw.Low) != n || len(raw.Open) != n {
		return nil, parseError(p.ID(), fmt.Errorf("ragged candle arrays"))
	}

	candles := make([]*domain.Candle, 0, n)
	for i := 0; i < n; i++ {
		vol := 0.0
		if i < len(raw.Volume) {
			vol = raw.Volume[i]
		}
		candles = append(candles, &domain.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.Unix(raw.Time[i], 0).UTC(),
			Open:     raw.Open[i],
			High:     raw.High[i],
			Low:      raw.Low[i],
			Close:    raw.Close[i],
			Volume:   vol,
			Source:   p.ID(),
		})
	}
	if interval == "4h" {
		candles = aggregateCandles(candles, interval, step)
	}
	return lastN(candles, size), nil
}

// aggregateCandles merges sorted finer candles into buckets of step.
func aggregateCandles(in []*domain.Candle, interval string, step time.Duration) []*domain.Candle {
	var out []*domain.Candle
	var cur *domain.Candle
	for _, c := range in {
		open := c.OpenTime.Truncate(step)
		if cur == nil || !cur.OpenTime.Equal(open) {
			cur = &domain.Candle{
				Symbol:   c.Symbol,
				Interval: interval,
				OpenTime: open,
				Open:     c.Open,
				High:     c.High,
				Low:      c.Low,
				Close:    c.Close,
				Source:   c.Source,
			}
			out = append(out, cur)
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	return out
}

func (p *FinnhubProvider) GetFundamentals(ctx context.Context, symbol string) (*domain.FundamentalsRecord, error) {
	ctx, span := p.tracer.Start(ctx, "finnhub.get-fundamentals", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	body, err := p.rest.get(ctx, "/stock/metric", url.Values{"symbol": {symbol}, "metric": {"all"}})
	if err != nil {
		return nil, err
	}
	var raw struct {
		Metric map[string]any `json:"metric"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, parseError(p.ID(), err)
	}
	if len(raw.Metric) == 0 {
		return nil, domain.NewProviderError(p.ID(), domain.KindInvalidSymbol, fmt.Errorf("no fundamentals for %s", symbol))
	}

	num := func(key string) float64 {
		if v, ok := raw.Metric[key].(float64); ok {
			return v
		}
		return 0
	}
	return &domain.FundamentalsRecord{
		Symbol: symbol,
		// marketCapitalization is reported in millions.
		MarketCap:     num("marketCapitalization") * 1e6,
		PERatio:       num("peBasicExclExtraTTM"),
		EPS:           num("epsBasicExclExtraItemsTTM"),
		DividendYield: num("dividendYieldIndicatedAnnual"),
		Beta:          num("beta"),
		High52W:       num("52WeekHigh"),
		Low52W:        num("52WeekLow"),
		Source:        p.ID(),
		FetchedAt:     p.now().UTC(),
	}, nil
}
