package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alfalyzer/internal/bot"
	"alfalyzer/internal/cache"
	"alfalyzer/internal/config"
	"alfalyzer/internal/db"
	"alfalyzer/internal/domain"
	"alfalyzer/internal/handler"
	"alfalyzer/internal/job"
	"alfalyzer/internal/mcpserver"
	"alfalyzer/internal/provider"
	"alfalyzer/internal/publisher"
	"alfalyzer/internal/quota"
	"alfalyzer/internal/ratelimit"
	"alfalyzer/internal/repository"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"
	"alfalyzer/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	_ "alfalyzer/docs"
)

const memoryCacheItems = 10000

var (
	loadEnvFunc        = godotenv.Load
	loadConfigFunc     = config.Load
	loadProvidersFunc  = config.LoadProviders
	initPostgresFunc   = db.InitPostgres
	initRedisFunc      = cache.InitRedis
	initTracerFunc     = tracing.InitTracer
	newCandleRepoFunc  = repository.NewCandleRepository
	newUsageRepoFunc   = repository.NewUsageRepository
	newAdaptersFunc    = defaultAdapters
	newStreamSrcFunc   = defaultStreamSource
	connectNATSFunc    = func(p *publisher.TickPublisher, url string) error { return p.Connect(url) }
	startWarmerFunc    = func(w *job.CacheWarmer, ctx context.Context) { go w.Start(ctx) }
	startAuditorFunc   = func(a *job.UsageAuditor, ctx context.Context) { go a.Start(ctx) }
	connectStreamsFunc = func(m *stream.Manager, ctx context.Context) {
		go func() {
			for id, res := range m.ConnectAll(ctx) {
				if res.Error != "" {
					log.Printf("stream %s did not connect: %s", id, res.Error)
				}
			}
		}()
	}
	startTelegramBotFunc   = bot.StartTelegramBot
	startMCPFunc           = func(s *mcpserver.Server, ctx context.Context, opts mcpserver.Options) { go runMCP(s, ctx, opts) }
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Alfalyzer Market Data API
// @version         1.0
// @description     Quotes, history and fundamentals behind a quota-aware provider fallback chain, with live stream health.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey  ApiKeyAuth
// @in                          header
// @name                        X-API-Key
func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()
	providersCfg, err := loadProvidersFunc(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("failed to load providers: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Shared state: Redis when reachable, in-process otherwise
	var (
		cacheBackend cache.Backend = cache.NewMemoryBackend(memoryCacheItems)
		quotaStore   quota.Store
		limitStore   ratelimit.Store
	)
	if cache.Client != nil {
		cacheBackend = cache.NewRedisBackend(cache.Client, "alfalyzer:cache:")
		quotaStore = quota.NewRedisStore(cache.Client)
		limitStore = ratelimit.NewRedisStore(cache.Client)
	}
	cacheStore := cache.NewStore(cacheBackend, cache.WithOpTimeout(cfg.CacheOpTimeout))
	tracker := quota.NewTracker(quotaStore)
	limiter := ratelimit.New(limitStore, ratelimit.WithPolicies(providersCfg.PolicyMap()))

	// Postgres collaborators
	var orchOpts []service.Option
	var usageRepo *repository.UsageRepository
	if db.Pool != nil {
		candleRepo := newCandleRepoFunc(db.Pool, tracer)
		usageRepo = newUsageRepoFunc(db.Pool, tracer)
		if err := candleRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		if err := usageRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		orchOpts = append(orchOpts, service.WithHistoryArchive(candleRepo))
	}

	// Orchestrator and providers
	orch := service.NewOrchestrator(tracer, cacheStore, tracker, service.Config{
		Freshness:         service.Freshness{Quote: time.Duration(cfg.QuoteFreshSecs) * time.Second},
		ProviderTimeout:   cfg.ProviderTimeout,
		BatchConcurrency:  cfg.BatchConcurrency,
		WarmQuotaFraction: cfg.WarmQuotaFraction,
	}, orchOpts...)
	registerProviders(orch, newAdaptersFunc(tracer, cfg), providersCfg)

	// Streams, optionally fanned out to NATS
	var streamOpts []stream.Option
	streamOpts = append(streamOpts, stream.WithTracer(tracer))
	var tickPublisher *publisher.TickPublisher
	if cfg.NATSURL != "" {
		tickPublisher = publisher.NewTickPublisher(tracer, cfg.NATSSubject)
		if err := connectNATSFunc(tickPublisher, cfg.NATSURL); err != nil {
			log.Printf("tick publishing disabled: %v", err)
			tickPublisher = nil
		} else {
			streamOpts = append(streamOpts, stream.WithTickSink(tickPublisher))
		}
	}
	streams := stream.NewManager(stream.Config{
		MaxReconnects: cfg.StreamMaxReconnects,
		BackoffBase:   cfg.StreamBackoffBase,
		BackoffCap:    cfg.StreamBackoffCap,
	}, streamOpts...)
	for _, sc := range providersCfg.Streams {
		src := newStreamSrcFunc(sc, cfg)
		if src == nil {
			continue
		}
		if err := streams.Register(src, sc.Symbols...); err != nil {
			log.Printf("stream %s not registered: %v", sc.ID, err)
		}
	}
	connectStreamsFunc(streams, ctx)
	health := stream.NewHealthAggregator(streams)

	// Background jobs (stopped by ctx cancel)
	startWarmerFunc(job.NewCacheWarmer(tracer, orch, cfg.Watchlist, cfg.WarmIntervalSecs), ctx)
	if usageRepo != nil {
		startAuditorFunc(job.NewUsageAuditor(tracer, tracker, usageRepo, cfg.UsageAuditSecs), ctx)
	}

	// Telegram ops bot
	ops := bot.NewOps(orch, health, cfg.TelegramAlertChatID)
	streams.OnStateChange(ops.AlertOnFailure)
	startTelegramBotFunc(cfg.TelegramBotToken, ops)

	// MCP tools over HTTP
	if cfg.MCPHTTPEnabled {
		mcpSrv := mcpserver.New(orch, health, time.Duration(cfg.MCPRequestTimeoutSecs)*time.Second)
		startMCPFunc(mcpSrv, ctx, mcpserver.Options{
			Transport: "http",
			HTTPAddr:  mcpserver.HTTPAddr(cfg.MCPHTTPBind, cfg.MCPHTTPPort),
			AuthToken: cfg.MCPAuthToken,
		})
	}

	// Create handlers and routes
	h := newHandlerFunc(tracer, orch, streams, tracker)

	r := newRouterFunc()
	r.Use(otelgin.Middleware(tracing.ServiceName))

	h.RegisterRoutes(r, limiter, cfg.APIKey)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	startHTTP := startHTTPServerFunc
	go func() {
		if err := startHTTP(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	for id, res := range streams.DisconnectAll(shutdownCtx) {
		if res.Error != "" {
			log.Printf("stream %s disconnect: %s", id, res.Error)
		}
	}
	if tickPublisher != nil {
		if err := tickPublisher.Close(); err != nil {
			log.Printf("nats drain error: %v", err)
		}
	}

	cancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

// defaultAdapters builds the built-in providers whose credentials are present.
func defaultAdapters(tracer trace.Tracer, cfg *config.Config) []domain.ProviderAdapter {
	adapters := []domain.ProviderAdapter{provider.NewCoinGeckoProvider(tracer, cfg.CoinGeckoAPIKey)}
	if cfg.FinnhubAPIKey != "" {
		adapters = append(adapters, provider.NewFinnhubProvider(tracer, cfg.FinnhubAPIKey))
	}
	return adapters
}

func defaultStreamSource(sc config.StreamConfig, cfg *config.Config) domain.StreamSource {
	var src *provider.WebSocketSource
	switch sc.Type {
	case "finnhub":
		if cfg.FinnhubAPIKey == "" {
			log.Printf("stream %s skipped: FINNHUB_API_KEY not set", sc.ID)
			return nil
		}
		src = provider.NewFinnhubStream(cfg.FinnhubAPIKey)
	case "json":
		src = provider.NewJSONStream(sc.ID, sc.Endpoint, nil)
	default:
		return nil
	}
	src.SetIdleTimeout(cfg.StreamIdleTimeout)
	return src
}

// registerProviders registers each adapter with its configured priority and
// quota windows. Adapters missing from the file are registered unmetered at
// the lowest priority; disabled ones are skipped.
func registerProviders(orch *service.Orchestrator, adapters []domain.ProviderAdapter, pc *config.Providers) {
	lowest := 0
	for _, p := range pc.Providers {
		if p.Priority > lowest {
			lowest = p.Priority
		}
	}
	for _, a := range adapters {
		p := pc.Provider(a.ID())
		switch {
		case p == nil:
			orch.Register(a, lowest+1)
		case p.Disabled:
			log.Printf("provider %s disabled by configuration", a.ID())
			continue
		default:
			orch.Register(a, p.Priority, p.WindowSpecs()...)
		}
		log.Printf("provider %s registered", a.ID())
	}
}

func runMCP(s *mcpserver.Server, ctx context.Context, opts mcpserver.Options) {
	if err := s.Run(ctx, opts); err != nil {
		log.Printf("MCP server stopped: %v", err)
	}
}
