package stream

import "time"

// Metrics is a point-in-time view of a connection's traffic.
type Metrics struct {
	LatencyMs        float64   `json:"latency_ms"`
	UptimeMs         int64     `json:"uptime_ms"`
	MessageCount     int64     `json:"message_count"`
	ErrorCount       int64     `json:"error_count"`
	ErrorRate        float64   `json:"error_rate"`
	ThroughputPerSec float64   `json:"throughput_per_sec"`
	LastMessageAt    time.Time `json:"last_message_at,omitempty"`
}

const latencySmoothing = 0.2

type bucket struct {
	index  int64
	frames int64
	errors int64
}

// metricsTracker accumulates for the lifetime of a connection. It is
// guarded by the owning connection's mutex.
type metricsTracker struct {
	window  time.Duration
	width   time.Duration
	buckets []bucket

	messages      int64
	errors        int64
	latencyMs     float64
	lastMessageAt time.Time
	uptime        time.Duration
	upSince       time.Time
	firstSeen     time.Time
}

func newMetricsTracker(window time.Duration) *metricsTracker {
	if window < time.Second {
		window = time.Minute
	}
	n := int(window / time.Second)
	return &metricsTracker{window: window, width: time.Second, buckets: make([]bucket, n)}
}

func (m *metricsTracker) reset() {
	*m = *newMetricsTracker(m.window)
}

func (m *metricsTracker) markUp(now time.Time) {
	if m.upSince.IsZero() {
		m.upSince = now
	}
}

func (m *metricsTracker) markDown(now time.Time) {
	if !m.upSince.IsZero() {
		m.uptime += now.Sub(m.upSince)
		m.upSince = time.Time{}
	}
}

func (m *metricsTracker) recordMessage(now, sentAt time.Time) {
	m.messages++
	m.lastMessageAt = now
	if !sentAt.IsZero() {
		lat := float64(now.Sub(sentAt)) / float64(time.Millisecond)
		if lat < 0 {
			lat = 0
		}
		if m.messages == 1 {
			m.latencyMs = lat
		} else {
			m.latencyMs += latencySmoothing * (lat - m.latencyMs)
		}
	}
	m.add(now, false)
}

func (m *metricsTracker) recordError(now time.Time) {
	m.errors++
	m.add(now, true)
}

func (m *metricsTracker) add(now time.Time, failed bool) {
	if m.firstSeen.IsZero() {
		m.firstSeen = now
	}
	idx := now.UnixNano() / int64(m.width)
	b := &m.buckets[idx%int64(len(m.buckets))]
	if b.index != idx {
		*b = bucket{index: idx}
	}
	b.frames++
	if failed {
		b.errors++
	}
}

func (m *metricsTracker) snapshot(now time.Time) Metrics {
	idx := now.UnixNano() / int64(m.width)
	oldest := idx - int64(len(m.buckets)) + 1

	var frames, errs int64
	for _, b := range m.buckets {
		if b.index >= oldest && b.index <= idx {
			frames += b.frames
			errs += b.errors
		}
	}

	out := Metrics{
		LatencyMs:     m.latencyMs,
		MessageCount:  m.messages,
		ErrorCount:    m.errors,
		LastMessageAt: m.lastMessageAt,
	}
	uptime := m.uptime
	if !m.upSince.IsZero() {
		uptime += now.Sub(m.upSince)
	}
	out.UptimeMs = uptime.Milliseconds()

	if frames > 0 {
		out.ErrorRate = float64(errs) / float64(frames)
		span := m.window
		if observed := now.Sub(m.firstSeen); observed < span {
			span = observed
		}
		if span < time.Second {
			span = time.Second
		}
		out.ThroughputPerSec = float64(frames-errs) / span.Seconds()
	}
	return out
}
