package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capability tags what a ProviderAdapter can serve.
type Capability string

const (
	CapQuote        Capability = "quote"
	CapBatchQuote   Capability = "batch_quote"
	CapHistorical   Capability = "historical"
	CapFundamentals Capability = "fundamentals"
)

// QuoteResult is one entry of a batch response: either Quote or Err is set.
type QuoteResult struct {
	Quote *QuoteRecord
	Err   error
}

// ProviderAdapter is the contract each upstream vendor integration satisfies.
// Errors returned by the data methods should be *ProviderError.
type ProviderAdapter interface {
	ID() string
	Capabilities() []Capability
	GetQuote(ctx context.Context, symbol string) (*QuoteRecord, error)
	GetBatchQuotes(ctx context.Context, symbols []string) (map[string]QuoteResult, error)
	GetHistorical(ctx context.Context, symbol, interval string, size int) ([]*Candle, error)
	GetFundamentals(ctx context.Context, symbol string) (*FundamentalsRecord, error)
}

// HasCapability reports whether p advertises c.
func HasCapability(p ProviderAdapter, c Capability) bool {
	for _, have := range p.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindTimeout       ErrorKind = "timeout"
	KindInvalidSymbol ErrorKind = "invalid_symbol"
	KindUnavailable   ErrorKind = "unavailable"
	KindUnknown       ErrorKind = "unknown"
)

// ProviderError is the normalized failure every adapter reports.
// Billed is false when the provider refused the call before doing any work,
// in which case no quota should be charged for the attempt.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Billed     bool
	RetryAfter time.Duration
	Err        error
}

// NewProviderError builds a ProviderError with the default billing rule:
// RateLimited and Unavailable rejections are not billed, everything else is.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Billed:   kind != KindRateLimited && kind != KindUnavailable,
		Err:      err,
	}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError normalizes any error from an adapter call into a
// ProviderError. Context deadline errors become KindTimeout.
func AsProviderError(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, KindTimeout, err)
	}
	return NewProviderError(provider, KindUnknown, err)
}
