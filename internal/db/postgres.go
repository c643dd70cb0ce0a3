package db

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the process-wide Postgres pool, nil when DATABASE_URL is unset or
// the database is unreachable. The market-data path never needs it.
var Pool *pgxpool.Pool

var (
	newPool = pgxpool.NewWithConfig
	pingDB  = func(ctx context.Context, pool *pgxpool.Pool) error {
		return pool.Ping(ctx)
	}
)

// InitPostgres connects Pool using DATABASE_URL.
func InitPostgres(ctx context.Context) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Println("DATABASE_URL not set, history archive and usage audit disabled")
		Pool = nil
		return
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Printf("failed to parse DATABASE_URL: %v", err)
		Pool = nil
		return
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := newPool(ctx, cfg)
	if err != nil {
		log.Printf("failed to create postgres pool: %v", err)
		Pool = nil
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pingDB(pingCtx, pool); err != nil {
		log.Printf("postgres unreachable, continuing without it: %v", err)
		pool.Close()
		Pool = nil
		return
	}
	Pool = pool
	log.Println("Connected to Postgres")
}
