package handler

import (
	"context"
	"strings"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/ratelimit"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// DefaultIndices are served by /market-indices when none are configured.
var DefaultIndices = []string{"SPY", "QQQ", "DIA", "IWM"}

// MarketData is the request-path surface of the orchestrator.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (service.Result[*domain.QuoteRecord], error)
	GetBatchQuotes(ctx context.Context, symbols []string) map[string]service.QuoteOutcome
	GetHistorical(ctx context.Context, symbol, interval string, size int) (service.Result[[]*domain.Candle], error)
	GetFundamentals(ctx context.Context, symbol string) (service.Result[*domain.FundamentalsRecord], error)
	GetQuotaStatus(ctx context.Context) service.QuotaStatus
}

// StreamController exposes operator actions on streaming sources.
type StreamController interface {
	Snapshots() []stream.Snapshot
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// QuotaAdmin resets provider counters.
type QuotaAdmin interface {
	Reset(ctx context.Context, provider string) error
}

type Handler struct {
	tracer  trace.Tracer
	data    MarketData
	streams StreamController
	health  *stream.HealthAggregator
	quota   QuotaAdmin
	limiter *ratelimit.Limiter
	indices []string
	server  string
}

func New(tracer trace.Tracer, data MarketData, streams StreamController, quota QuotaAdmin) *Handler {
	h := &Handler{
		tracer:  tracer,
		data:    data,
		streams: streams,
		quota:   quota,
		indices: DefaultIndices,
		server:  "alfalyzer",
	}
	if streams != nil {
		h.health = stream.NewHealthAggregator(streams)
	}
	return h
}

// SetIndices overrides the symbols served by /market-indices.
func (h *Handler) SetIndices(symbols []string) {
	var out []string
	for _, s := range symbols {
		if sym, ok := domain.NormalizeSymbol(s); ok {
			out = append(out, sym)
		}
	}
	if len(out) > 0 {
		h.indices = out
	}
}

// RegisterRoutes mounts every route. limiter may be nil to disable inbound
// rate limiting; an empty apiKey disables admin authentication.
func (h *Handler) RegisterRoutes(r *gin.Engine, limiter *ratelimit.Limiter, apiKey string) {
	h.limiter = limiter
	r.Use(CORS())

	r.GET("/health", h.Health)
	r.GET("/api/health", h.Health)

	public := r.Group("/", h.limit(ratelimit.PolicyPublic))
	public.GET("/stocks/realtime/:symbols", h.GetRealtimeQuotes)
	public.GET("/market-indices", h.GetMarketIndices)
	public.GET("/health/kv", h.KVHealth)

	api := r.Group("/api", h.limit(ratelimit.PolicyGeneral))
	api.GET("/quotes/:symbol", h.GetQuote)
	api.GET("/historical/:symbol", h.GetHistorical)
	api.GET("/fundamentals/:symbol", h.GetFundamentals)
	api.GET("/streams", h.ListStreams)

	admin := r.Group("/api", APIKeyAuth(apiKey), h.limit(ratelimit.PolicySensitive))
	admin.POST("/streams/:source/:action", h.StreamAction)
	admin.POST("/quota/:provider/reset", h.ResetQuota)
}

func (h *Handler) limit(policy string) gin.HandlerFunc {
	if h.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ratelimit.Middleware(h.limiter, policy)
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
