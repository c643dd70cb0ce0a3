package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"alfalyzer/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

func TestBuildCandlesFromMarketChart(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := [][]float64{
		{float64(base.UnixMilli()), 10},
		{float64(base.Add(2 * time.Minute).UnixMilli()), 12},
		{float64(base.Add(6 * time.Minute).UnixMilli()), 8},
		{float64(base.Add(8 * time.Minute).UnixMilli()), 9},
	}
	volumes := [][]float64{
		{float64(base.Add(5 * time.Minute).UnixMilli()), 100},
		{float64(base.Add(10 * time.Minute).UnixMilli()), 200},
	}

	candles := buildCandlesFromMarketChart("BTC", "5m", prices, volumes)
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}

	first := candles[0]
	if first.Open != 10 || first.High != 12 || first.Low != 10 || first.Close != 12 {
		t.Fatalf("unexpected first candle: %+v", first)
	}
	if first.Volume != 100 {
		t.Fatalf("expected volume 100, got %f", first.Volume)
	}

	second := candles[1]
	if !second.OpenTime.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("unexpected open time: %v", second.OpenTime)
	}
	if second.Open != 8 || second.Close != 9 {
		t.Fatalf("unexpected second candle: %+v", second)
	}
}

func TestFindClosestVolume(t *testing.T) {
	volumes := []volumePoint{
		{ts: 1000, vol: 1},
		{ts: 1500, vol: 5},
		{ts: 2000, vol: 10},
	}
	vol := findClosestVolume(volumes, 1600)
	if vol != 5 {
		t.Fatalf("expected volume 5, got %f", vol)
	}
}

func TestIntervalToDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"bad": 0,
	}
	for interval, expected := range tests {
		if got := intervalToDuration(interval); got != expected {
			t.Fatalf("%s expected %v, got %v", interval, expected, got)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, v any) *http.Response {
	data, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func newTestCoinGecko(rt roundTripFunc) *CoinGeckoProvider {
	p := NewCoinGeckoProvider(trace.NewNoopTracerProvider().Tracer("test"), "")
	p.rest.baseURL = "http://example"
	p.rest.client = &http.Client{Transport: rt}
	p.rest.throttle = NewThrottle(10, time.Millisecond)
	return p
}

func TestCoinGeckoBatchQuotes(t *testing.T) {
	t.Parallel()

	calls := 0
	p := newTestCoinGecko(func(req *http.Request) (*http.Response, error) {
		calls++
		if !strings.Contains(req.URL.Path, "/simple/price") {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Fatalf("unexpected ids: %s", got)
		}
		return jsonResponse(http.StatusOK, map[string]map[string]float64{
			"bitcoin": {"usd": 110, "usd_24h_vol": 10, "usd_24h_change": 10, "last_updated_at": 1700000000},
		}), nil
	})

	result, err := p.GetBatchQuotes(context.Background(), []string{"BTC", "ETH-USD", "ZZZINVALID"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}

	btc := result["BTC"]
	if btc.Err != nil || btc.Quote.Price != 110 || btc.Quote.Source != "coingecko" {
		t.Fatalf("unexpected BTC result: %+v", btc)
	}
	if diff := btc.Quote.Change - 10; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected change 10, got %f", btc.Quote.Change)
	}
	if !btc.Quote.ObservedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected observed at %v", btc.Quote.ObservedAt)
	}

	var perr *domain.ProviderError
	if !errors.As(result["ETH-USD"].Err, &perr) || perr.Kind != domain.KindInvalidSymbol {
		t.Fatalf("expected invalid symbol for missing price, got %v", result["ETH-USD"].Err)
	}
	if !errors.As(result["ZZZINVALID"].Err, &perr) || perr.Billed {
		t.Fatalf("unknown coin should be an unbilled invalid symbol, got %+v", perr)
	}
}

func TestCoinGeckoRateLimitedIsNotBilled(t *testing.T) {
	t.Parallel()

	p := newTestCoinGecko(func(req *http.Request) (*http.Response, error) {
		resp := jsonResponse(http.StatusTooManyRequests, map[string]string{"status": "throttled"})
		resp.Header.Set("Retry-After", "30")
		return resp, nil
	})

	_, err := p.GetQuote(context.Background(), "BTC")
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Kind != domain.KindRateLimited || perr.Billed || perr.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected error: %+v", perr)
	}
}

func TestCoinGeckoHistorical(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newTestCoinGecko(func(req *http.Request) (*http.Response, error) {
		if !strings.Contains(req.URL.Path, "/coins/bitcoin/market_chart") {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.URL.Query().Get("days"); got != "1" {
			t.Fatalf("expected days=1, got %s", got)
		}
		return jsonResponse(http.StatusOK, map[string]any{
			"prices": [][]float64{
				{float64(now.Add(-10 * time.Minute).UnixMilli()), 10},
				{float64(now.UnixMilli()), 12},
			},
			"total_volumes": [][]float64{
				{float64(now.UnixMilli()), 100},
			},
		}), nil
	})

	candles, err := p.GetHistorical(context.Background(), "BTC", "5m", 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) == 0 {
		t.Fatalf("expected candles, got none")
	}
	if candles[0].Symbol != "BTC" || candles[0].Source != "coingecko" {
		t.Fatalf("unexpected candle: %+v", candles[0])
	}

	if _, err := p.GetHistorical(context.Background(), "BTC", "1m", 10); err == nil {
		t.Fatal("expected 1m to be unsupported")
	}
	if _, err := p.GetFundamentals(context.Background(), "BTC"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
