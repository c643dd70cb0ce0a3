package domain

import (
	"regexp"
	"strings"
	"time"
)

// QuoteRecord is the normalized latest-price shape every provider maps into.
type QuoteRecord struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	Source        string    `json:"source"`
	ObservedAt    time.Time `json:"observed_at"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// FundamentalsRecord holds slow-moving company metrics.
type FundamentalsRecord struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	MarketCap     float64   `json:"market_cap"`
	PERatio       float64   `json:"pe_ratio"`
	EPS           float64   `json:"eps"`
	DividendYield float64   `json:"dividend_yield"`
	Beta          float64   `json:"beta"`
	High52W       float64   `json:"high_52w"`
	Low52W        float64   `json:"low_52w"`
	Source        string    `json:"source"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Tick is a single live price update delivered by a streaming source.
type Tick struct {
	SourceID  string    `json:"source_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-^=:]{0,19}$`)

// NormalizeSymbol upper-cases and trims a ticker. ok is false for anything
// that cannot be a ticker on any supported venue.
func NormalizeSymbol(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// SplitSymbols parses a comma separated list, dropping blanks and duplicates
// while keeping the first-seen order.
func SplitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
