package repository

import (
	"context"
	"fmt"
	"time"

	"alfalyzer/internal/quota"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

const createUsageTable = `
CREATE TABLE IF NOT EXISTS provider_usage (
    recorded_at  TIMESTAMPTZ NOT NULL,
    provider     TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    used         INTEGER     NOT NULL,
    quota_limit  INTEGER     NOT NULL,
    available    BOOLEAN     NOT NULL,
    PRIMARY KEY (provider, kind, recorded_at)
);

CREATE INDEX IF NOT EXISTS idx_provider_usage_window
    ON provider_usage (provider, kind, window_start DESC);
`

// UsageRepository keeps periodic snapshots of provider quota windows.
type UsageRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewUsageRepository(pool PgxPool, tracer trace.Tracer) *UsageRepository {
	return &UsageRepository{pool: pool, tracer: tracer}
}

func (r *UsageRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "usage-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createUsageTable)
	return err
}

// RecordUsage writes one row per provider window. Unmetered providers have
// no windows and produce no rows.
func (r *UsageRepository) RecordUsage(ctx context.Context, at time.Time, statuses []quota.ProviderStatus) (int, error) {
	ctx, span := r.tracer.Start(ctx, "usage-repo.record-usage")
	defer span.End()

	batch := &pgx.Batch{}
	for _, st := range statuses {
		for _, w := range st.Windows {
			batch.Queue(
				`INSERT INTO provider_usage (recorded_at, provider, kind, window_start, used, quota_limit, available)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (provider, kind, recorded_at) DO NOTHING`,
				at.UTC(), st.Provider, w.Kind, w.Start, w.Used, w.Limit, st.Available,
			)
		}
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("record usage row %d: %w", i, err)
		}
	}
	return n, nil
}
