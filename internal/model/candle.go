package model

import (
	"encoding/json"
	"time"
)

// Candle is a closed OHLCV bucket for one (symbol, timeframe) series.
// Within a series candles are contiguous: CloseTime of candle n equals
// OpenTime of candle n+1.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"tf"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Key returns "symbol:tf".
func (c *Candle) Key() string {
	return c.Symbol + ":" + string(c.Timeframe)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CurrentCandle is the in-progress bucket held inside a PriceRecord.
type CurrentCandle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Closed converts the current bucket into a finalized Candle.
func (cc CurrentCandle) Closed(symbol string, tf Timeframe) Candle {
	return Candle{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  cc.OpenTime,
		CloseTime: cc.OpenTime.Add(tf.Duration()),
		Open:      cc.Open,
		High:      cc.High,
		Low:       cc.Low,
		Close:     cc.Close,
		Volume:    cc.Volume,
	}
}
