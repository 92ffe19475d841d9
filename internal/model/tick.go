package model

import "time"

// Tick represents a single normalized market update from the upstream
// mini-ticker stream. Volume is the quote-denominated volume traded since
// the previous tick for the symbol (derived by the ingest layer from the
// rolling 24h aggregate, clamped at zero).
type Tick struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Volume   float64   `json:"volume"`
	TS       time.Time `json:"ts"` // exchange event time, UTC
	Open24h  float64   `json:"open_24h"`
	High24h  float64   `json:"high_24h"`
	Low24h   float64   `json:"low_24h"`
	Vol24h   float64   `json:"vol_24h"` // rolling 24h quote volume
	Resync   bool      `json:"resync,omitempty"`
}

// PercentChange24h returns the 24h percent change implied by the rolling
// aggregates, or 0 when the 24h open is unknown.
func (t *Tick) PercentChange24h() float64 {
	if t.Open24h == 0 {
		return 0
	}
	return (t.Price - t.Open24h) / t.Open24h * 100
}
