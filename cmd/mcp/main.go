package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alfalyzer/internal/cache"
	"alfalyzer/internal/config"
	"alfalyzer/internal/mcpserver"
	"alfalyzer/internal/provider"
	"alfalyzer/internal/quota"
	"alfalyzer/internal/service"
	"alfalyzer/pkg/tracing"

	"github.com/joho/godotenv"
)

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	loadProvidersFunc = config.LoadProviders
	initRedisFunc     = cache.InitRedis
	initTracerFunc    = tracing.InitTracer
	runServerFunc     = func(s *mcpserver.Server, ctx context.Context, opts mcpserver.Options) error {
		return s.Run(ctx, opts)
	}
)

// The MCP binary shares cache and quota counters with the HTTP server through
// Redis. It has no stream manager, so get_stream_health reports streaming as
// not configured.
func main() {
	// stdout carries the protocol in stdio mode
	log.SetOutput(os.Stderr)
	loadEnvFunc()
	cfg := loadConfigFunc()
	providersCfg, err := loadProvidersFunc(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("failed to load providers: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Setenv("REDIS_URL", cfg.RedisURL)
	initRedisFunc(ctx)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	var (
		backend    cache.Backend = cache.NewMemoryBackend(1000)
		quotaStore quota.Store
	)
	if cache.Client != nil {
		backend = cache.NewRedisBackend(cache.Client, "alfalyzer:cache:")
		quotaStore = quota.NewRedisStore(cache.Client)
	}
	orch := service.NewOrchestrator(tracer,
		cache.NewStore(backend, cache.WithOpTimeout(cfg.CacheOpTimeout)),
		quota.NewTracker(quotaStore),
		service.Config{
			Freshness:        service.Freshness{Quote: time.Duration(cfg.QuoteFreshSecs) * time.Second},
			ProviderTimeout:  cfg.ProviderTimeout,
			BatchConcurrency: cfg.BatchConcurrency,
		})

	for _, p := range providersCfg.Providers {
		if p.Disabled {
			continue
		}
		switch p.ID {
		case "coingecko":
			orch.Register(provider.NewCoinGeckoProvider(tracer, cfg.CoinGeckoAPIKey), p.Priority, p.WindowSpecs()...)
		case "finnhub":
			if cfg.FinnhubAPIKey != "" {
				orch.Register(provider.NewFinnhubProvider(tracer, cfg.FinnhubAPIKey), p.Priority, p.WindowSpecs()...)
			}
		}
	}

	srv := mcpserver.New(orch, nil, time.Duration(cfg.MCPRequestTimeoutSecs)*time.Second)
	err = runServerFunc(srv, ctx, mcpserver.Options{
		Transport: cfg.MCPTransport,
		HTTPAddr:  mcpserver.HTTPAddr(cfg.MCPHTTPBind, cfg.MCPHTTPPort),
		AuthToken: cfg.MCPAuthToken,
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("MCP server stopped: %v", err)
	}
}
