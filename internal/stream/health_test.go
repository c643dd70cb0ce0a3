package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticSnapshots []Snapshot

func (s staticSnapshots) Snapshots() []Snapshot { return s }

func TestScore(t *testing.T) {
	t.Parallel()

	score, avg := Score(nil)
	require.Equal(t, 1.0, score)
	require.Zero(t, avg)

	snaps := []Snapshot{
		{SourceID: "a", State: Connected, Metrics: Metrics{ErrorRate: 0.1}},
		{SourceID: "b", State: Reconnecting, Metrics: Metrics{ErrorRate: 0.3}},
		{SourceID: "c", State: Failed},
		{SourceID: "d", State: Paused, Metrics: Metrics{ErrorRate: 1}},
	}
	score, avg = Score(snaps)
	require.InDelta(t, 0.4/3, avg, 1e-9)
	require.InDelta(t, 0.7*(1.5/3)+0.3*(1-0.4/3), score, 1e-9)
}

func TestHealthReport(t *testing.T) {
	t.Parallel()

	h := NewHealthAggregator(staticSnapshots{
		{SourceID: "a", State: Connected},
		{SourceID: "b", State: Connected},
	})
	fixed := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	report := h.Report()
	require.Equal(t, 1.0, report.Score)
	require.Equal(t, "healthy", report.Status)
	require.Equal(t, 2, report.Counts["CONNECTED"])
	require.Equal(t, fixed, report.GeneratedAt)

	h = NewHealthAggregator(staticSnapshots{{SourceID: "a", State: Failed}})
	require.Equal(t, "unhealthy", h.Report().Status)
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	b := NewBackoff(100*time.Millisecond, time.Second)
	require.Equal(t, 100*time.Millisecond, b.Ceiling(0))
	require.Equal(t, 800*time.Millisecond, b.Ceiling(3))
	require.Equal(t, time.Second, b.Ceiling(4))
	require.Equal(t, time.Second, b.Ceiling(200))

	for attempt := 0; attempt < 8; attempt++ {
		ceiling := b.Ceiling(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, ceiling/2)
			require.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestRollingMetrics(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	m := newMetricsTracker(10 * time.Second)
	m.markUp(start)

	for i := 0; i < 10; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		m.recordMessage(at, at.Add(-50*time.Millisecond))
	}
	m.recordError(start.Add(9 * time.Second))

	snap := m.snapshot(start.Add(10 * time.Second))
	require.EqualValues(t, 10, snap.MessageCount)
	require.InDelta(t, 50, snap.LatencyMs, 1e-9)
	require.InDelta(t, 1.0/10, snap.ErrorRate, 1e-9)
	require.InDelta(t, 9.0/10, snap.ThroughputPerSec, 1e-9)
	require.EqualValues(t, 10_000, snap.UptimeMs)

	later := m.snapshot(start.Add(time.Minute))
	require.Zero(t, later.ThroughputPerSec, "old buckets fall out of the window")
	require.EqualValues(t, 10, later.MessageCount, "lifetime counters keep accumulating")
}
