package job

import (
	"context"
	"log"
	"time"

	"alfalyzer/internal/quota"

	"go.opentelemetry.io/otel/trace"
)

type QuotaStatusSource interface {
	Status(ctx context.Context) []quota.ProviderStatus
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, at time.Time, statuses []quota.ProviderStatus) (int, error)
}

// UsageAuditor periodically snapshots provider quota windows into Postgres.
type UsageAuditor struct {
	tracer   trace.Tracer
	quota    QuotaStatusSource
	repo     UsageRecorder
	interval time.Duration
	now      func() time.Time
}

func NewUsageAuditor(tracer trace.Tracer, quota QuotaStatusSource, repo UsageRecorder, intervalSecs int) *UsageAuditor {
	if intervalSecs <= 0 {
		intervalSecs = 60
	}
	return &UsageAuditor{
		tracer:   tracer,
		quota:    quota,
		repo:     repo,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
	}
}

// Start records a snapshot immediately and then every interval until ctx is
// cancelled.
func (a *UsageAuditor) Start(ctx context.Context) {
	log.Println("Usage auditor starting...")
	a.snapshot(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Usage auditor stopped")
			return
		case <-ticker.C:
			a.snapshot(ctx)
		}
	}
}

func (a *UsageAuditor) snapshot(ctx context.Context) {
	ctx, span := a.tracer.Start(ctx, "usage-auditor.snapshot")
	defer span.End()

	n, err := a.repo.RecordUsage(ctx, a.now(), a.quota.Status(ctx))
	if err != nil {
		log.Printf("usage audit error after %d rows: %v", n, err)
	}
}
