package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type fakeData struct {
	batchSymbols []string
}

func (f *fakeData) GetQuote(_ context.Context, symbol string) (service.Result[*domain.QuoteRecord], error) {
	if symbol == "ZZZ" {
		return service.Result[*domain.QuoteRecord]{}, service.ErrNoDataAvailable
	}
	return service.Result[*domain.QuoteRecord]{
		Data:   &domain.QuoteRecord{Symbol: symbol, Price: 101.5},
		Source: "finnhub",
	}, nil
}

func (f *fakeData) GetBatchQuotes(_ context.Context, symbols []string) map[string]service.QuoteOutcome {
	f.batchSymbols = symbols
	out := make(map[string]service.QuoteOutcome, len(symbols))
	for _, s := range symbols {
		out[s] = service.QuoteOutcome{Quote: &domain.QuoteRecord{Symbol: s, Price: 1}, Source: "cache"}
	}
	return out
}

func (f *fakeData) GetQuotaStatus(context.Context) service.QuotaStatus {
	return service.QuotaStatus{CacheBackend: "memory", CacheSize: 3, Providers: []service.ProviderReport{{ID: "finnhub", Available: true}}}
}

type fakeStreams struct{}

func (fakeStreams) Report() stream.HealthReport {
	return stream.HealthReport{Score: 1, Status: "healthy"}
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text, res.IsError
}

func TestListTools(t *testing.T) {
	cs := connect(t, New(&fakeData{}, fakeStreams{}, time.Second))

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"get_quote", "get_batch_quotes", "get_quota_status", "get_stream_health"}, names)
}

func TestGetQuoteTool(t *testing.T) {
	cs := connect(t, New(&fakeData{}, nil, time.Second))

	text, isErr := callText(t, cs, "get_quote", map[string]any{"symbol": "AAPL"})
	require.False(t, isErr)
	var res service.Result[*domain.QuoteRecord]
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	require.Equal(t, "finnhub", res.Source)
	require.Equal(t, 101.5, res.Data.Price)

	text, isErr = callText(t, cs, "get_quote", map[string]any{"symbol": "ZZZ"})
	require.True(t, isErr)
	require.Contains(t, text, "no data available")
}

func TestGetBatchQuotesTool(t *testing.T) {
	data := &fakeData{}
	cs := connect(t, New(data, nil, time.Second))

	text, isErr := callText(t, cs, "get_batch_quotes", map[string]any{"symbols": []string{"AAPL", "MSFT"}})
	require.False(t, isErr)
	var out map[string]service.QuoteOutcome
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Len(t, out, 2)
	require.Equal(t, []string{"AAPL", "MSFT"}, data.batchSymbols)

	_, isErr = callText(t, cs, "get_batch_quotes", map[string]any{"symbols": []string{}})
	require.True(t, isErr)
}

func TestStatusTools(t *testing.T) {
	cs := connect(t, New(&fakeData{}, fakeStreams{}, time.Second))

	text, isErr := callText(t, cs, "get_quota_status", map[string]any{})
	require.False(t, isErr)
	require.Contains(t, text, `"cache_backend":"memory"`)

	text, isErr = callText(t, cs, "get_stream_health", map[string]any{})
	require.False(t, isErr)
	require.Contains(t, text, `"status":"healthy"`)

	cs = connect(t, New(&fakeData{}, nil, time.Second))
	_, isErr = callText(t, cs, "get_stream_health", map[string]any{})
	require.True(t, isErr)
}

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	h := BearerAuth("secret", ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	BearerAuth("", ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPAddr(t *testing.T) {
	require.Equal(t, "127.0.0.1:8090", HTTPAddr("127.0.0.1", 8090))
}
