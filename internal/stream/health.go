package stream

import "time"

const (
	availabilityWeight = 0.7
	errorWeight        = 0.3
)

// SnapshotSource is the read side of the Manager used for health scoring.
type SnapshotSource interface {
	Snapshots() []Snapshot
}

// HealthReport is the aggregate, observability-only view of all sources.
type HealthReport struct {
	Score        float64        `json:"score"`
	Status       string         `json:"status"`
	Counts       map[string]int `json:"counts"`
	Connections  []Snapshot     `json:"connections"`
	GeneratedAt  time.Time      `json:"generated_at"`
	AvgErrorRate float64        `json:"avg_error_rate"`
}

type HealthAggregator struct {
	source SnapshotSource
	now    func() time.Time
}

func NewHealthAggregator(source SnapshotSource) *HealthAggregator {
	return &HealthAggregator{source: source, now: time.Now}
}

func (h *HealthAggregator) Report() HealthReport {
	snaps := h.source.Snapshots()
	score, avgErr := Score(snaps)
	counts := make(map[string]int)
	for _, s := range snaps {
		counts[s.State.String()]++
	}
	return HealthReport{
		Score:        score,
		Status:       statusFor(score),
		Counts:       counts,
		Connections:  snaps,
		GeneratedAt:  h.now(),
		AvgErrorRate: avgErr,
	}
}

// Score combines availability (weighted 0.7) with the complement of the mean
// error rate (weighted 0.3). Sources deliberately stopped (PAUSED or
// DISCONNECTED) are excluded. With nothing to score the result is 1.
func Score(snaps []Snapshot) (score, avgErrorRate float64) {
	var avail, errSum float64
	n := 0
	for _, s := range snaps {
		switch s.State {
		case Paused, Disconnected:
			continue
		case Connected:
			avail += 1
		case Connecting, Reconnecting:
			avail += 0.5
		}
		errSum += s.Metrics.ErrorRate
		n++
	}
	if n == 0 {
		return 1, 0
	}
	avgErrorRate = errSum / float64(n)
	score = availabilityWeight*(avail/float64(n)) + errorWeight*(1-avgErrorRate)
	return score, avgErrorRate
}

func statusFor(score float64) string {
	switch {
	case score >= 0.8:
		return "healthy"
	case score >= 0.5:
		return "degraded"
	default:
		return "unhealthy"
	}
}
