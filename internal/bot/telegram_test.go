package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/quota"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"
)

type stubData struct {
	res service.Result[*domain.QuoteRecord]
	err error
}

func (s stubData) GetQuote(context.Context, string) (service.Result[*domain.QuoteRecord], error) {
	return s.res, s.err
}

func (s stubData) GetQuotaStatus(context.Context) service.QuotaStatus {
	return service.QuotaStatus{
		CacheBackend: "redis",
		CacheSize:    12,
		Providers: []service.ProviderReport{
			{ID: "finnhub", Available: true, SuccessRate: 0.95, Windows: []quota.Window{{Kind: "minute", Used: 3, Limit: 60}}},
			{ID: "coingecko", Available: false, SuccessRate: 1},
		},
	}
}

type stubStreams struct{ report stream.HealthReport }

func (s stubStreams) Report() stream.HealthReport { return s.report }

func TestStartTelegramBotSkipsWithoutToken(t *testing.T) {
	StartTelegramBot("", NewOps(stubData{}, nil, 0))
}

func TestQuoteReply(t *testing.T) {
	fetched := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	ops := NewOps(stubData{res: service.Result[*domain.QuoteRecord]{
		Data:      &domain.QuoteRecord{Symbol: "AAPL", Price: 189.5, Change: 1.25, ChangePercent: 0.66},
		Source:    "finnhub",
		Stale:     true,
		FetchedAt: fetched,
	}}, nil, 0)

	got := ops.Quote([]string{"aapl"})
	for _, want := range []string{"AAPL", "$189.50", "Source: finnhub", "Stale, fetched 2025-06-02T14:30:00Z"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in reply, got %q", want, got)
		}
	}

	if got := ops.Quote(nil); !strings.HasPrefix(got, "Usage") {
		t.Fatalf("expected usage, got %q", got)
	}
}

func TestQuoteReplyError(t *testing.T) {
	ops := NewOps(stubData{err: errors.New("no data available")}, nil, 0)
	got := ops.Quote([]string{"zzz"})
	if !strings.Contains(got, "ZZZ") || !strings.Contains(got, "no data available") {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestStreamsReply(t *testing.T) {
	if got := NewOps(stubData{}, nil, 0).Streams(); got != "Streaming is not configured" {
		t.Fatalf("unexpected reply %q", got)
	}

	ops := NewOps(stubData{}, stubStreams{report: stream.HealthReport{
		Score:  0.7,
		Status: "degraded",
		Connections: []stream.Snapshot{
			{SourceID: "finnhub-ws", State: stream.Failed, LastError: "dial refused", Metrics: stream.Metrics{MessageCount: 10, ErrorRate: 0.1}},
		},
	}}, 0)
	got := ops.Streams()
	if !strings.Contains(got, "degraded (0.70)") || !strings.Contains(got, "finnhub-ws: FAILED, 10 msgs, err 10.0% (dial refused)") {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestQuotaReply(t *testing.T) {
	got := NewOps(stubData{}, nil, 0).Quota()
	for _, want := range []string{"Cache: redis (12 keys)", "finnhub: available, success 95% [minute 3/60]", "coingecko: exhausted"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in reply, got %q", want, got)
		}
	}
}

func TestAlertOnFailure(t *testing.T) {
	ops := NewOps(stubData{}, nil, 42)
	sent := make(chan string, 2)
	ops.send = func(chatID int64, msg string) error {
		if chatID != 42 {
			t.Errorf("unexpected chat %d", chatID)
		}
		sent <- msg
		return nil
	}

	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	ops.AlertOnFailure(stream.StateChange{SourceID: "finnhub-ws", From: stream.Connected, To: stream.Reconnecting, At: at})
	ops.AlertOnFailure(stream.StateChange{SourceID: "finnhub-ws", From: stream.Reconnecting, To: stream.Failed, Err: "max reconnects", At: at})

	select {
	case msg := <-sent:
		if msg != "Stream finnhub-ws entered FAILED at 2025-06-02T14:30:00Z: max reconnects" {
			t.Fatalf("unexpected alert %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an alert")
	}
	select {
	case msg := <-sent:
		t.Fatalf("only FAILED should alert, got %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}
