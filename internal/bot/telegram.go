package bot

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"

	tele "gopkg.in/telebot.v3"
)

type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (service.Result[*domain.QuoteRecord], error)
	GetQuotaStatus(ctx context.Context) service.QuotaStatus
}

type StreamReporter interface {
	Report() stream.HealthReport
}

// Ops answers operator commands and pushes alerts for failed stream sources.
type Ops struct {
	data      QuoteSource
	streams   StreamReporter
	alertChat int64
	send      func(chatID int64, msg string) error
	timeout   time.Duration
}

func NewOps(data QuoteSource, streams StreamReporter, alertChat int64) *Ops {
	return &Ops{data: data, streams: streams, alertChat: alertChat, timeout: 10 * time.Second}
}

func StartTelegramBot(token string, ops *Ops) {
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})
	b.Handle("/quote", func(c tele.Context) error {
		return c.Send(ops.Quote(c.Args()))
	})
	b.Handle("/streams", func(c tele.Context) error {
		return c.Send(ops.Streams())
	})
	b.Handle("/quota", func(c tele.Context) error {
		return c.Send(ops.Quota())
	})

	ops.send = func(chatID int64, msg string) error {
		_, err := b.Send(tele.ChatID(chatID), msg)
		return err
	}

	log.Println("Telegram bot started")
	go b.Start()
}

func (o *Ops) Quote(args []string) string {
	if len(args) == 0 {
		return "Usage: /quote AAPL"
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	res, err := o.data.GetQuote(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("Error fetching quote for %s: %v", strings.ToUpper(args[0]), err)
	}
	q := res.Data
	msg := fmt.Sprintf(
		"%s\nPrice: $%.2f\nChange: %.2f (%.2f%%)\nSource: %s",
		q.Symbol, q.Price, q.Change, q.ChangePercent, res.Source,
	)
	if res.Stale {
		msg += fmt.Sprintf("\nStale, fetched %s", res.FetchedAt.UTC().Format(time.RFC3339))
	}
	return msg
}

func (o *Ops) Streams() string {
	if o.streams == nil {
		return "Streaming is not configured"
	}
	report := o.streams.Report()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stream health: %s (%.2f)\n", report.Status, report.Score)
	for _, c := range report.Connections {
		fmt.Fprintf(&sb, "%s: %s, %d msgs, err %.1f%%", c.SourceID, c.State, c.Metrics.MessageCount, c.Metrics.ErrorRate*100)
		if c.LastError != "" {
			fmt.Fprintf(&sb, " (%s)", c.LastError)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (o *Ops) Quota() string {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	status := o.data.GetQuotaStatus(ctx)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cache: %s (%d keys)\n", status.CacheBackend, status.CacheSize)
	for _, p := range status.Providers {
		avail := "available"
		if !p.Available {
			avail = "exhausted"
		}
		if p.CoolingDown {
			avail = "cooling down"
		}
		fmt.Fprintf(&sb, "%s: %s, success %.0f%%", p.ID, avail, p.SuccessRate*100)
		if windows := windowSummaries(p); len(windows) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(windows, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func windowSummaries(p service.ProviderReport) []string {
	out := make([]string, 0, len(p.Windows))
	for _, w := range p.Windows {
		out = append(out, fmt.Sprintf("%s %d/%d", w.Kind, w.Used, w.Limit))
	}
	sort.Strings(out)
	return out
}

// AlertOnFailure is registered as a stream state-change hook.
func (o *Ops) AlertOnFailure(change stream.StateChange) {
	if change.To != stream.Failed || o.send == nil || o.alertChat == 0 {
		return
	}
	msg := fmt.Sprintf("Stream %s entered FAILED at %s", change.SourceID, change.At.UTC().Format(time.RFC3339))
	if change.Err != "" {
		msg += ": " + change.Err
	}
	go func() {
		if err := o.send(o.alertChat, msg); err != nil {
			log.Printf("telegram alert for %s failed: %v", change.SourceID, err)
		}
	}()
}
