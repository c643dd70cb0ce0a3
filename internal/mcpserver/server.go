// Package mcpserver exposes the market-data layer as Model Context Protocol
// tools so agents can read quotes and operator status.
package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const maxBatchSymbols = 50

type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (service.Result[*domain.QuoteRecord], error)
	GetBatchQuotes(ctx context.Context, symbols []string) map[string]service.QuoteOutcome
	GetQuotaStatus(ctx context.Context) service.QuotaStatus
}

type StreamReporter interface {
	Report() stream.HealthReport
}

type Options struct {
	Transport      string
	HTTPAddr       string
	AuthToken      string
	RequestTimeout time.Duration
}

type Server struct {
	data    MarketData
	streams StreamReporter
	timeout time.Duration
	mcp     *mcp.Server
}

type QuoteArgs struct {
	Symbol string `json:"symbol" jsonschema:"ticker symbol, e.g. AAPL or BTC"`
}

type BatchArgs struct {
	Symbols []string `json:"symbols" jsonschema:"ticker symbols, at most 50"`
}

type EmptyArgs struct{}

func New(data MarketData, streams StreamReporter, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Server{
		data:    data,
		streams: streams,
		timeout: timeout,
		mcp:     mcp.NewServer(&mcp.Implementation{Name: "alfalyzer", Version: "v1"}, nil),
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_quote",
		Description: "Latest quote for one symbol, served from cache or the healthiest provider with budget left.",
	}, s.getQuote)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_batch_quotes",
		Description: "Quotes for several symbols with a per-symbol outcome.",
	}, s.getBatchQuotes)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_quota_status",
		Description: "Quota windows, health and cooldowns for every provider.",
	}, s.getQuotaStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_stream_health",
		Description: "Health score and per-connection state of the streaming sources.",
	}, s.getStreamHealth)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves over stdio or streamable HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context, opts Options) error {
	if opts.Transport != "http" {
		log.Println("MCP server listening on stdio")
		return s.mcp.Run(ctx, &mcp.StdioTransport{})
	}

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	srv := &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           BearerAuth(opts.AuthToken, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("MCP server listening on http://%s", opts.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mcp http server: %w", err)
	}
	return nil
}

// HTTPAddr joins bind and port.
func HTTPAddr(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

// BearerAuth rejects requests without the expected token. An empty token
// disables the check.
func BearerAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getQuote(ctx context.Context, _ *mcp.CallToolRequest, args QuoteArgs) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.data.GetQuote(ctx, args.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("quote %s: %w", args.Symbol, err)
	}
	return jsonResult(res)
}

func (s *Server) getBatchQuotes(ctx context.Context, _ *mcp.CallToolRequest, args BatchArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Symbols) == 0 {
		return nil, nil, errors.New("symbols is required")
	}
	if len(args.Symbols) > maxBatchSymbols {
		return nil, nil, fmt.Errorf("at most %d symbols per call", maxBatchSymbols)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return jsonResult(s.data.GetBatchQuotes(ctx, args.Symbols))
}

func (s *Server) getQuotaStatus(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyArgs) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return jsonResult(s.data.GetQuotaStatus(ctx))
}

func (s *Server) getStreamHealth(_ context.Context, _ *mcp.CallToolRequest, _ EmptyArgs) (*mcp.CallToolResult, any, error) {
	if s.streams == nil {
		return nil, nil, errors.New("streaming is not configured")
	}
	return jsonResult(s.streams.Report())
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(body)}}}, nil, nil
}
