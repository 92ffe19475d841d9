package model

import (
	"encoding/json"
	"time"
)

// rfc3339Milli is the wire format for trigger timestamps: ISO-8601 with
// millisecond precision.
const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// PredicateSnapshot records the numeric values that caused a rule to fire,
// for audit. Only the fields for configured predicates are set.
type PredicateSnapshot struct {
	Price         float64              `json:"price"`
	Baseline      *float64             `json:"baseline,omitempty"`
	PercentChange *float64             `json:"percent_change,omitempty"`
	RSIPrev       *float64             `json:"rsi_prev,omitempty"`
	RSICurr       *float64             `json:"rsi_curr,omitempty"`
	EMAFast       *float64             `json:"ema_fast,omitempty"`
	EMASlow       *float64             `json:"ema_slow,omitempty"`
	EMAPrevFast   *float64             `json:"ema_prev_fast,omitempty"`
	EMAPrevSlow   *float64             `json:"ema_prev_slow,omitempty"`
	VolumeRatio   *float64             `json:"volume_ratio,omitempty"`
	Volume24h     *float64             `json:"volume_24h,omitempty"`
	Candles       map[string]Candle    `json:"candles,omitempty"` // tf → current candle, for shape rules
	Shapes        map[string][]ShapeKind `json:"shapes,omitempty"`
}

// TriggerDecision is the engine's admit request handed to the throttle gate
// and, if admitted, to the trigger bus.
type TriggerDecision struct {
	RuleID            RuleID
	Symbol            string
	FiredAt           time.Time
	PriceAtFiring     float64
	BucketOpenTime    time.Time
	ThrottleTimeframe Timeframe
	Seq               int // post-increment counter within the throttle bucket
	Snapshot          PredicateSnapshot
}

// TriggerEvent is an admitted, journaled trigger. Immutable after creation.
// ID is stable: derived from (ruleId, throttleTimeframe, bucketOpenTime, seq).
type TriggerEvent struct {
	ID                string            `json:"id"`
	RuleID            RuleID            `json:"ruleId"`
	Symbol            string            `json:"symbol"`
	FiredAt           time.Time         `json:"firedAt"`
	PriceAtFiring     float64           `json:"priceAtFiring"`
	BucketOpenTime    time.Time         `json:"bucketOpenTime"`
	ThrottleTimeframe Timeframe         `json:"throttleTimeframe"`
	Snapshot          PredicateSnapshot `json:"predicateSnapshot"`
}

// triggerEventWire mirrors TriggerEvent with string timestamps so the
// envelope carries millisecond ISO-8601 regardless of time.Time defaults.
type triggerEventWire struct {
	ID                string            `json:"id"`
	RuleID            RuleID            `json:"ruleId"`
	Symbol            string            `json:"symbol"`
	FiredAt           string            `json:"firedAt"`
	PriceAtFiring     float64           `json:"priceAtFiring"`
	BucketOpenTime    string            `json:"bucketOpenTime"`
	ThrottleTimeframe Timeframe         `json:"throttleTimeframe"`
	Snapshot          PredicateSnapshot `json:"predicateSnapshot"`
}

// MarshalJSON renders timestamps as ISO-8601 with milliseconds.
func (e TriggerEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(triggerEventWire{
		ID:                e.ID,
		RuleID:            e.RuleID,
		Symbol:            e.Symbol,
		FiredAt:           e.FiredAt.UTC().Format(rfc3339Milli),
		PriceAtFiring:     e.PriceAtFiring,
		BucketOpenTime:    e.BucketOpenTime.UTC().Format(rfc3339Milli),
		ThrottleTimeframe: e.ThrottleTimeframe,
		Snapshot:          e.Snapshot,
	})
}

// UnmarshalJSON parses the wire envelope back into a TriggerEvent.
func (e *TriggerEvent) UnmarshalJSON(b []byte) error {
	var w triggerEventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	firedAt, err := time.Parse(time.RFC3339, w.FiredAt)
	if err != nil {
		return err
	}
	bucketOpen, err := time.Parse(time.RFC3339, w.BucketOpenTime)
	if err != nil {
		return err
	}
	*e = TriggerEvent{
		ID:                w.ID,
		RuleID:            w.RuleID,
		Symbol:            w.Symbol,
		FiredAt:           firedAt,
		PriceAtFiring:     w.PriceAtFiring,
		BucketOpenTime:    bucketOpen,
		ThrottleTimeframe: w.ThrottleTimeframe,
		Snapshot:          w.Snapshot,
	}
	return nil
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *TriggerEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
