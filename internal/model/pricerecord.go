package model

import "time"

// PriceRecord is the canonical last-known state for one symbol: last price,
// rolling 24h stats, and the in-progress candle for every active timeframe.
// Created on the first tick for a symbol and never destroyed while the
// process lives. Version strictly increases on every mutation.
type PriceRecord struct {
	Symbol     string                      `json:"symbol"`
	Price      float64                     `json:"price"`
	LastVolume float64                     `json:"last_volume"`
	UpdatedAt  time.Time                   `json:"updated_at"`
	Open24h    float64                     `json:"open_24h"`
	High24h    float64                     `json:"high_24h"`
	Low24h     float64                     `json:"low_24h"`
	Vol24h     float64                     `json:"vol_24h"`
	Change24h  float64                     `json:"change_24h"` // percent
	Candles    map[Timeframe]CurrentCandle `json:"candles"`
	Version    uint64                      `json:"version"`
}

// Clone returns a deep copy safe to hand to readers.
func (r *PriceRecord) Clone() PriceRecord {
	cp := *r
	cp.Candles = make(map[Timeframe]CurrentCandle, len(r.Candles))
	for tf, c := range r.Candles {
		cp.Candles[tf] = c
	}
	return cp
}

// ClosedBucket pairs a timeframe with the candle that just closed in it.
type ClosedBucket struct {
	Timeframe Timeframe
	Candle    Candle
}

// MutationNotice describes the effect of applying one tick to the cache.
type MutationNotice struct {
	Symbol        string
	PriceBefore   float64
	PriceAfter    float64
	Version       uint64
	ClosedBuckets []ClosedBucket
}

// BucketRoll marks the transition to a new bucket for a timeframe.
// OpenTime is the open of the bucket that just began.
type BucketRoll struct {
	Timeframe Timeframe
	OpenTime  time.Time
}
