package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"alfalyzer/internal/domain"
)

// ErrUnsupported is wrapped in an Unavailable ProviderError when an adapter
// is asked for something it does not serve.
var ErrUnsupported = errors.New("capability not supported")

// restClient is the shared GET path for JSON REST vendors.
type restClient struct {
	id       string
	client   *http.Client
	baseURL  string
	header   http.Header
	throttle *Throttle
}

func (r *restClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if r.throttle != nil {
		if err := r.throttle.Wait(ctx); err != nil {
			if errors.Is(err, errThrottled) {
				return nil, domain.NewProviderError(r.id, domain.KindRateLimited, err)
			}
			return nil, err
		}
	}

	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.NewProviderError(r.id, domain.KindUnknown, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, r.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusError(r.id, resp, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, r.transportError(ctx, err)
	}
	return body, nil
}

func (r *restClient) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewProviderError(r.id, domain.KindTimeout, err)
	}
	return domain.NewProviderError(r.id, domain.KindUnavailable, err)
}

// statusError maps an upstream HTTP status onto the error taxonomy.
func statusError(provider string, resp *http.Response, body []byte) *domain.ProviderError {
	cause := fmt.Errorf("%s API error %d: %s", provider, resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		perr := domain.NewProviderError(provider, domain.KindRateLimited, cause)
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return perr
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewProviderError(provider, domain.KindUnavailable, cause)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.NewProviderError(provider, domain.KindInvalidSymbol, cause)
	case resp.StatusCode >= 500:
		return domain.NewProviderError(provider, domain.KindUnavailable, cause)
	default:
		return domain.NewProviderError(provider, domain.KindUnknown, cause)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// unsupported reports a capability the adapter never serves. Nothing was
// sent upstream, so it is not billed.
func unsupported(provider, what string) error {
	return domain.NewProviderError(provider, domain.KindUnavailable, fmt.Errorf("%w: %s", ErrUnsupported, what))
}

// invalidSymbol is returned before any request is made.
func invalidSymbol(provider, symbol string) error {
	perr := domain.NewProviderError(provider, domain.KindInvalidSymbol, fmt.Errorf("unsupported symbol: %s", symbol))
	perr.Billed = false
	return perr
}

func parseError(provider string, err error) error {
	return domain.NewProviderError(provider, domain.KindUnknown, fmt.Errorf("parse response: %w", err))
}

func intervalToDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func lastN(candles []*domain.Candle, n int) []*domain.Candle {
	if n > 0 && len(candles) > n {
		return candles[len(candles)-n:]
	}
	return candles
}
