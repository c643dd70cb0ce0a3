package domain

import "time"

// Candle represents a single OHLCV candle for a symbol at a given interval.
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Source   string    `json:"source,omitempty"`
}

// SupportedIntervals defines the candle intervals the historical path accepts.
var SupportedIntervals = []string{"1m", "5m", "15m", "1h", "4h", "1d", "1w"}

// IsSupportedInterval reports whether interval is one of SupportedIntervals.
func IsSupportedInterval(interval string) bool {
	for _, si := range SupportedIntervals {
		if interval == si {
			return true
		}
	}
	return false
}
