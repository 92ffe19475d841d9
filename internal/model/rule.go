package model

import "time"

// RuleID identifies a user-defined alert rule.
type RuleID string

// Direction constrains which side of the target a rule fires on.
type Direction string

const (
	DirAbove  Direction = "above"
	DirBelow  Direction = "below"
	DirEither Direction = "either"
)

// TargetKind selects the target predicate form.
type TargetKind string

const (
	TargetPrice   TargetKind = "price"
	TargetPercent TargetKind = "percent"
)

// BaselineMode selects the reference price for percent targets.
type BaselineMode string

const (
	// BaselineCandleOpen resolves the reference from the current candle's
	// open at the target's timeframe, looked up in the price cache at
	// evaluation time.
	BaselineCandleOpen BaselineMode = "candle_open"
	// BaselineCreation uses the price captured when the rule was created.
	// It stays pinned across rule edits.
	BaselineCreation BaselineMode = "creation_price"
)

// Target is the price/percent predicate of a rule.
type Target struct {
	Kind TargetKind `json:"kind"`
	// Value is the price level for TargetPrice, or the percent threshold
	// for TargetPercent.
	Value             float64      `json:"value"`
	BaselineMode      BaselineMode `json:"baseline_mode,omitempty"`
	BaselineTimeframe Timeframe    `json:"baseline_tf,omitempty"`
	// ReferencePrice is captured at rule creation for BaselineCreation.
	ReferencePrice float64 `json:"reference_price,omitempty"`
}

// ShapeKind classifies a candle's form.
type ShapeKind string

const (
	ShapeAboveOpen     ShapeKind = "above_open"
	ShapeBelowOpen     ShapeKind = "below_open"
	ShapeGreen         ShapeKind = "green"
	ShapeRed           ShapeKind = "red"
	ShapeDoji          ShapeKind = "doji"
	ShapeBullishHammer ShapeKind = "bullish_hammer"
	ShapeBearishHammer ShapeKind = "bearish_hammer"
	ShapeLongUpperWick ShapeKind = "long_upper_wick"
	ShapeLongLowerWick ShapeKind = "long_lower_wick"
	ShapeNone          ShapeKind = "none"
)

// ShapeCondition requires the current candle of every listed timeframe to
// match the shape.
type ShapeCondition struct {
	Timeframes []Timeframe `json:"timeframes"`
	Shape      ShapeKind   `json:"shape"`
}

// CrossCondition is a threshold/relation test on an indicator.
type CrossCondition string

const (
	CondAbove        CrossCondition = "above"
	CondBelow        CrossCondition = "below"
	CondCrossingUp   CrossCondition = "crossing_up"
	CondCrossingDown CrossCondition = "crossing_down"
)

// RSICondition evaluates Wilder RSI on closed candles of a timeframe.
type RSICondition struct {
	Timeframe Timeframe      `json:"timeframe"`
	Period    int            `json:"period"`
	Condition CrossCondition `json:"condition"`
	Level     float64        `json:"level"`
}

// EMACondition compares a fast and slow EMA on closed candles.
type EMACondition struct {
	Timeframe  Timeframe      `json:"timeframe"`
	FastPeriod int            `json:"fast_period"`
	SlowPeriod int            `json:"slow_period"`
	Condition  CrossCondition `json:"condition"`
}

// VolumeSpikeCondition fires when the current bucket's volume is at least
// Multiplier times the moving average of the last Window closed buckets.
// Timeframe defaults to the rule's throttle timeframe when empty.
type VolumeSpikeCondition struct {
	Timeframe  Timeframe `json:"timeframe,omitempty"`
	Multiplier float64   `json:"multiplier"`
	Window     int       `json:"window,omitempty"` // default 20
}

// Throttle caps trigger emission per rule per aligned bucket.
type Throttle struct {
	Timeframe    Timeframe `json:"timeframe"`
	MaxPerBucket int       `json:"max_per_bucket"`
}

// DefaultThrottle is applied to rules that do not set one.
var DefaultThrottle = Throttle{Timeframe: TF1h, MaxPerBucket: 1}

// Rule is the full predicate set a user configured. Rules are immutable to
// the engine: they are replaced wholesale through the alert index on CRUD
// events, never mutated in place.
type Rule struct {
	ID              RuleID                `json:"id"`
	Symbol          string                `json:"symbol"`
	Direction       Direction             `json:"direction,omitempty"`
	Target          *Target               `json:"target,omitempty"`
	Shape           *ShapeCondition       `json:"candle_shape,omitempty"`
	RSI             *RSICondition         `json:"rsi,omitempty"`
	EMA             *EMACondition         `json:"ema,omitempty"`
	VolumeSpike     *VolumeSpikeCondition `json:"volume_spike,omitempty"`
	MinDailyVolume  float64               `json:"min_daily_volume,omitempty"`
	Throttle        Throttle              `json:"throttle"`
	Active          bool                  `json:"active"`
	CreatedAt       time.Time             `json:"created_at"`
	LastTriggeredAt time.Time             `json:"last_triggered_at,omitempty"`
}

// SeriesDeps returns the (timeframe) candle series the rule's indicator
// predicates read. Used to drive warm-up fetching.
func (r *Rule) SeriesDeps() []Timeframe {
	var tfs []Timeframe
	seen := map[Timeframe]bool{}
	add := func(tf Timeframe) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			tfs = append(tfs, tf)
		}
	}
	if r.RSI != nil {
		add(r.RSI.Timeframe)
	}
	if r.EMA != nil {
		add(r.EMA.Timeframe)
	}
	if r.VolumeSpike != nil {
		tf := r.VolumeSpike.Timeframe
		if tf == "" {
			tf = r.Throttle.Timeframe
		}
		add(tf)
	}
	return tfs
}

// RuleStatus is the user-visible evaluation state of a rule.
type RuleStatus string

const (
	StatusArmed      RuleStatus = "armed"
	StatusWarmingUp  RuleStatus = "warming_up"
	StatusDormant    RuleStatus = "dormant"
	StatusSuppressed RuleStatus = "suppressed_this_bucket"
)
