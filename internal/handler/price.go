package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"alfalyzer/internal/domain"
	"alfalyzer/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const maxBatchSymbols = 50

// GetQuote godoc
// @Summary      Get the latest quote for a symbol
// @Description  Serves from cache when fresh, otherwise walks the ranked providers. Stale data is tagged with stale=true.
// @Tags         quotes
// @Produce      json
// @Param        symbol  path  string  true  "Ticker (e.g., AAPL, BTC)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/quotes/{symbol} [get]
func (h *Handler) GetQuote(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-quote")
	defer span.End()

	symbol := c.Param("symbol")
	span.SetAttributes(attribute.String("symbol", symbol))

	res, err := h.data.GetQuote(ctx, symbol)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetRealtimeQuotes godoc
// @Summary      Get quotes for several symbols
// @Description  Comma separated symbols, resolved as one batch. Each symbol carries its own source, stale flag or error.
// @Tags         quotes
// @Produce      json
// @Param        symbols  path  string  true  "Comma separated tickers (e.g., AAPL,MSFT)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /stocks/realtime/{symbols} [get]
func (h *Handler) GetRealtimeQuotes(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-realtime-quotes")
	defer span.End()

	symbols := domain.SplitSymbols(c.Param("symbols"))
	span.SetAttributes(attribute.Int("symbols", len(symbols)))
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no symbols given"})
		return
	}
	if len(symbols) > maxBatchSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many symbols, max " + strconv.Itoa(maxBatchSymbols)})
		return
	}
	h.writeBatch(ctx, c, symbols)
}

// GetMarketIndices godoc
// @Summary      Get quotes for the tracked market indices
// @Tags         quotes
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /market-indices [get]
func (h *Handler) GetMarketIndices(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-market-indices")
	defer span.End()

	h.writeBatch(ctx, c, h.indices)
}

func (h *Handler) writeBatch(ctx context.Context, c *gin.Context, symbols []string) {
	quotes := h.data.GetBatchQuotes(ctx, symbols)
	ok := 0
	for _, oc := range quotes {
		if oc.Err == nil {
			ok++
		}
	}
	status := http.StatusOK
	if ok == 0 {
		status = batchFailureStatus(quotes)
	}
	c.JSON(status, gin.H{
		"quotes":    quotes,
		"requested": len(symbols),
		"resolved":  ok,
	})
}

// GetHistorical godoc
// @Summary      Get historical OHLCV candles
// @Description  Returns up to size candles for the interval, newest last
// @Tags         quotes
// @Produce      json
// @Param        symbol    path   string  true   "Ticker (e.g., AAPL, BTC)"
// @Param        interval  query  string  false  "Candle interval (1m, 5m, 15m, 1h, 4h, 1d, 1w)"  default(1d)
// @Param        size      query  int     false  "Number of candles (default 100, max 1000)"  default(100)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]string
// @Router       /api/historical/{symbol} [get]
func (h *Handler) GetHistorical(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-historical")
	defer span.End()

	symbol := c.Param("symbol")
	interval := c.DefaultQuery("interval", "1d")
	span.SetAttributes(attribute.String("symbol", symbol), attribute.String("interval", interval))

	size := 0
	if s := c.Query("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a positive integer"})
			return
		}
		size = n
	}

	res, err := h.data.GetHistorical(ctx, symbol, interval, size)
	if errors.Is(err, service.ErrInvalidInterval) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":               err.Error(),
			"supported_intervals": domain.SupportedIntervals,
		})
		return
	}
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     upper(symbol),
		"interval":   interval,
		"candles":    res.Data,
		"source":     res.Source,
		"stale":      res.Stale,
		"fetched_at": res.FetchedAt,
	})
}

// GetFundamentals godoc
// @Summary      Get company fundamentals
// @Tags         quotes
// @Produce      json
// @Param        symbol  path  string  true  "Ticker (e.g., AAPL)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/fundamentals/{symbol} [get]
func (h *Handler) GetFundamentals(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-fundamentals")
	defer span.End()

	symbol := c.Param("symbol")
	span.SetAttributes(attribute.String("symbol", symbol))

	res, err := h.data.GetFundamentals(ctx, symbol)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// errorStatus maps orchestrator errors to HTTP codes. A lookup every
// provider rejected as an unknown ticker is a 404, not an outage.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidSymbol), errors.Is(err, service.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrNoDataAvailable):
		if onlyInvalidSymbol(err) {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// batchFailureStatus picks the code for a batch where nothing resolved. Only
// bad input gives 400, only unknown tickers 404; anything else is an outage.
func batchFailureStatus(quotes map[string]service.QuoteOutcome) int {
	status := http.StatusBadRequest
	for _, oc := range quotes {
		switch errorStatus(oc.Err) {
		case http.StatusBadRequest:
		case http.StatusNotFound:
			status = http.StatusNotFound
		default:
			return http.StatusServiceUnavailable
		}
	}
	return status
}

func onlyInvalidSymbol(err error) bool {
	seen := 0
	invalid := true
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if perr, ok := e.(*domain.ProviderError); ok {
			seen++
			if perr.Kind != domain.KindInvalidSymbol {
				invalid = false
			}
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return seen > 0 && invalid
}
