package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestTracker(start time.Time) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: start}
	return NewTracker(nil, WithClock(clock.Now)), clock
}

func TestMinuteWindowRollsOnClockMinute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clock := newTestTracker(time.Date(2025, 6, 2, 9, 30, 15, 0, time.UTC))
	tracker.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 3})

	for i := 0; i < 3; i++ {
		if err := tracker.RecordUsage(ctx, "finnhub", 1); err != nil {
			t.Fatalf("usage %d: %v", i, err)
		}
	}
	if tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("provider should be unavailable once used reaches limit")
	}
	if err := tracker.RecordUsage(ctx, "finnhub", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	clock.Set(time.Date(2025, 6, 2, 9, 30, 59, 999_000_000, time.UTC))
	if tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("provider must stay unavailable until the minute boundary")
	}

	clock.Set(time.Date(2025, 6, 2, 9, 31, 0, 0, time.UTC))
	if !tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("provider should be available exactly at rollover")
	}
	if got := tracker.Remaining(ctx, "finnhub", "per-minute"); got != 3 {
		t.Fatalf("expected fresh window, remaining=%d", got)
	}
}

func TestDayWindowRollsAtUTCMidnight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, clock := newTestTracker(time.Date(2025, 6, 2, 23, 59, 0, 0, time.UTC))
	tracker.Register("coingecko",
		WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 10},
		WindowSpec{Kind: "per-day", Duration: 24 * time.Hour, Limit: 2},
	)

	if err := tracker.RecordUsage(ctx, "coingecko", 2); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if tracker.IsAvailable(ctx, "coingecko") {
		t.Fatal("exhausted day window must make provider unavailable")
	}
	if got := tracker.Remaining(ctx, "coingecko", "per-minute"); got != 8 {
		t.Fatalf("per-minute remaining=%d, want 8", got)
	}

	clock.Set(time.Date(2025, 6, 2, 23, 59, 59, 0, time.UTC))
	if tracker.IsAvailable(ctx, "coingecko") {
		t.Fatal("minute rollover alone must not restore a day-exhausted provider")
	}

	clock.Set(time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC))
	if !tracker.IsAvailable(ctx, "coingecko") {
		t.Fatal("provider should be available at 00:00 UTC")
	}
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, _ := newTestTracker(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	tracker.Register("finnhub",
		WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 5},
		WindowSpec{Kind: "per-day", Duration: 24 * time.Hour, Limit: 1},
	)

	if _, err := tracker.Acquire(ctx, "finnhub", 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := tracker.Acquire(ctx, "finnhub", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if got := tracker.Remaining(ctx, "finnhub", "per-minute"); got != 4 {
		t.Fatalf("refused acquire must not charge the minute window, remaining=%d", got)
	}
}

func TestRefundRestoresBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, _ := newTestTracker(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	tracker.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 1})

	ticket, err := tracker.Acquire(ctx, "finnhub", 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("expected exhausted window")
	}
	tracker.Refund(ctx, ticket)
	tracker.Refund(ctx, ticket)
	if got := tracker.Remaining(ctx, "finnhub", "per-minute"); got != 1 {
		t.Fatalf("remaining=%d after refund, want 1", got)
	}
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, _ := newTestTracker(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	tracker.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 25})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.Acquire(ctx, "finnhub", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 25 {
		t.Fatalf("granted %d acquisitions, want 25", granted)
	}
}

func TestUnknownAndUnmeteredProviders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, _ := newTestTracker(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	tracker.Register("stub")

	if _, err := tracker.Acquire(ctx, "missing", 1); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if tracker.IsAvailable(ctx, "missing") {
		t.Fatal("unknown provider must not be available")
	}
	if !tracker.IsAvailable(ctx, "stub") {
		t.Fatal("unmetered provider should be available")
	}
	if got := tracker.Budget(ctx, "stub"); got != Unlimited {
		t.Fatalf("budget=%d, want Unlimited", got)
	}
}

func TestStatusAndReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, _ := newTestTracker(time.Date(2025, 6, 2, 12, 0, 30, 0, time.UTC))
	tracker.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 2})
	tracker.Register("coingecko", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 2})

	_ = tracker.RecordUsage(ctx, "finnhub", 2)

	status := tracker.Status(ctx)
	if len(status) != 2 || status[0].Provider != "coingecko" || status[1].Provider != "finnhub" {
		t.Fatalf("unexpected status ordering: %+v", status)
	}
	fh := status[1]
	if fh.Available || fh.Windows[0].Used != 2 {
		t.Fatalf("unexpected finnhub status: %+v", fh)
	}
	if want := time.Date(2025, 6, 2, 12, 1, 0, 0, time.UTC); !fh.Windows[0].ResetAt.Equal(want) {
		t.Fatalf("reset at %v, want %v", fh.Windows[0].ResetAt, want)
	}

	if err := tracker.Reset(ctx, "finnhub"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("reset should restore availability")
	}
	if err := tracker.Reset(ctx, "missing"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRedisStoreSharesCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	start := time.Date(2025, 6, 2, 12, 0, 10, 0, time.UTC)
	mr.SetTime(start)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	clock := &fakeClock{t: start}
	a := NewTracker(NewRedisStore(client), WithClock(clock.Now))
	b := NewTracker(NewRedisStore(client), WithClock(clock.Now))
	for _, tr := range []*Tracker{a, b} {
		tr.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 3})
	}

	if err := a.RecordUsage(ctx, "finnhub", 2); err != nil {
		t.Fatalf("usage a: %v", err)
	}
	ticket, err := b.Acquire(ctx, "finnhub", 1)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a.IsAvailable(ctx, "finnhub") {
		t.Fatal("tracker a should observe b's usage")
	}
	if _, err := a.Acquire(ctx, "finnhub", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	b.Refund(ctx, ticket)
	if got := a.Remaining(ctx, "finnhub", "per-minute"); got != 1 {
		t.Fatalf("remaining=%d after refund, want 1", got)
	}

	if err := a.Reset(ctx, "finnhub"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := b.Remaining(ctx, "finnhub", "per-minute"); got != 3 {
		t.Fatalf("remaining=%d after reset, want 3", got)
	}
}

func TestRedisFailureFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(NewRedisStore(client), WithClock(clock.Now))
	tracker.Register("finnhub", WindowSpec{Kind: "per-minute", Duration: time.Minute, Limit: 1})

	if err := tracker.RecordUsage(ctx, "finnhub", 1); err != nil {
		t.Fatalf("expected fallback to absorb the redis outage, got %v", err)
	}
	if tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("fallback counters should still enforce the limit")
	}

	clock.Set(time.Date(2025, 6, 2, 12, 1, 0, 0, time.UTC))
	if !tracker.IsAvailable(ctx, "finnhub") {
		t.Fatal("fallback window should roll over on the tracker clock")
	}
}
