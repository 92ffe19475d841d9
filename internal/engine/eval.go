package engine

import (
	"math"

	"tickalert/internal/indicator"
	"tickalert/internal/model"
)

// emaLookback is how many slow-period lengths of history feed an EMA
// computation. EMAs are path dependent; a fixed horizon keeps values
// reproducible across restarts with the same warm-up depth.
const emaLookback = 3

type evalResult struct {
	fired     bool
	warmingUp bool
	snap      model.PredicateSnapshot
}

// evaluate computes every configured predicate for the rule against the
// tick just applied. Predicates combine with AND. Any configured predicate
// that cannot be computed (insufficient candle history, missing baseline)
// makes the whole evaluation warming_up: a rule never fires on partial data.
func (e *Engine) evaluate(r *model.Rule, t model.Tick, n model.MutationNotice) evalResult {
	res := evalResult{fired: true}
	res.snap.Price = t.Price

	if r.Target != nil && !e.evalTarget(r, t, n, &res) {
		return res
	}
	if r.Shape != nil && !e.evalShape(r, t, &res) {
		return res
	}
	if r.RSI != nil && !e.evalRSI(r, t, &res) {
		return res
	}
	if r.EMA != nil && !e.evalEMA(r, t, &res) {
		return res
	}
	if r.VolumeSpike != nil && !e.evalVolumeSpike(r, t, &res) {
		return res
	}
	if r.MinDailyVolume > 0 {
		vol := t.Vol24h
		res.snap.Volume24h = &vol
		if vol < r.MinDailyVolume {
			res.fired = false
			return res
		}
	}
	return res
}

// evalTarget handles both absolute price levels and percent moves from a
// baseline. Returns false when evaluation should stop (not fired or
// warming up).
func (e *Engine) evalTarget(r *model.Rule, t model.Tick, n model.MutationNotice, res *evalResult) bool {
	switch r.Target.Kind {
	case model.TargetPrice:
		level := r.Target.Value
		var hit bool
		switch r.Direction {
		case model.DirAbove:
			hit = t.Price >= level
		case model.DirBelow:
			hit = t.Price <= level
		case model.DirEither:
			// Either means a crossing: the price moved through the level
			// between the previous tick and this one (a state test would be
			// vacuously true on one side forever).
			hit = (n.PriceBefore < level && t.Price >= level) ||
				(n.PriceBefore > level && t.Price <= level)
		default:
			hit = t.Price >= level
		}
		if !hit {
			res.fired = false
			return false
		}
		return true

	case model.TargetPercent:
		baseline, ok := e.resolveBaseline(r, t)
		if !ok || baseline == 0 {
			res.fired = false
			res.warmingUp = true
			return false
		}
		change := (t.Price - baseline) / baseline * 100
		res.snap.Baseline = &baseline
		res.snap.PercentChange = &change

		var hit bool
		switch r.Direction {
		case model.DirAbove:
			hit = change >= r.Target.Value
		case model.DirBelow:
			hit = change <= -r.Target.Value
		default:
			hit = math.Abs(change) >= r.Target.Value
		}
		if !hit {
			res.fired = false
			return false
		}
		return true
	}

	res.fired = false
	return false
}

func (e *Engine) resolveBaseline(r *model.Rule, t model.Tick) (float64, bool) {
	switch r.Target.BaselineMode {
	case model.BaselineCreation:
		return r.Target.ReferencePrice, r.Target.ReferencePrice != 0
	default:
		tf := r.Target.BaselineTimeframe
		if tf == "" {
			tf = r.Throttle.Timeframe
		}
		cur, ok := e.cache.Candle(t.Symbol, tf)
		if !ok {
			return 0, false
		}
		return cur.Open, true
	}
}

// evalShape requires the configured shape on the current candle of every
// listed timeframe.
func (e *Engine) evalShape(r *model.Rule, t model.Tick, res *evalResult) bool {
	for _, tf := range r.Shape.Timeframes {
		cur, ok := e.cache.Candle(t.Symbol, tf)
		if !ok {
			res.fired = false
			res.warmingUp = true
			return false
		}
		ohlc := indicator.OHLC{Open: cur.Open, High: cur.High, Low: cur.Low, Close: cur.Close}
		if res.snap.Candles == nil {
			res.snap.Candles = make(map[string]model.Candle, len(r.Shape.Timeframes))
			res.snap.Shapes = make(map[string][]model.ShapeKind, len(r.Shape.Timeframes))
		}
		res.snap.Candles[string(tf)] = cur.Closed(t.Symbol, tf)
		res.snap.Shapes[string(tf)] = indicator.ClassifyShape(ohlc)
		if !indicator.HasShape(ohlc, r.Shape.Shape) {
			res.fired = false
			return false
		}
	}
	return true
}

func (e *Engine) evalRSI(r *model.Rule, t model.Tick, res *evalResult) bool {
	cond := r.RSI
	closes := e.store.Closes(t.Symbol, cond.Timeframe, cond.Period+2)

	curr, ok := indicator.RSI(closes, cond.Period)
	if !ok {
		res.fired = false
		res.warmingUp = true
		return false
	}
	res.snap.RSICurr = &curr

	var hit bool
	switch cond.Condition {
	case model.CondAbove:
		hit = curr > cond.Level
	case model.CondBelow:
		hit = curr < cond.Level
	case model.CondCrossingUp, model.CondCrossingDown:
		prev, okPrev := indicator.RSI(closes[:len(closes)-1], cond.Period)
		if !okPrev {
			res.fired = false
			res.warmingUp = true
			return false
		}
		res.snap.RSIPrev = &prev
		if cond.Condition == model.CondCrossingUp {
			hit = prev < cond.Level && curr >= cond.Level
		} else {
			hit = prev > cond.Level && curr <= cond.Level
		}
	}
	if !hit {
		res.fired = false
		return false
	}
	return true
}

func (e *Engine) evalEMA(r *model.Rule, t model.Tick, res *evalResult) bool {
	cond := r.EMA
	closes := e.store.Closes(t.Symbol, cond.Timeframe, cond.SlowPeriod*emaLookback)

	fast, okF := indicator.EMA(closes, cond.FastPeriod)
	slow, okS := indicator.EMA(closes, cond.SlowPeriod)
	if !okF || !okS {
		res.fired = false
		res.warmingUp = true
		return false
	}
	res.snap.EMAFast = &fast
	res.snap.EMASlow = &slow

	var hit bool
	switch cond.Condition {
	case model.CondAbove:
		hit = fast > slow
	case model.CondBelow:
		hit = fast < slow
	case model.CondCrossingUp, model.CondCrossingDown:
		prevCloses := closes[:len(closes)-1]
		prevFast, okPF := indicator.EMA(prevCloses, cond.FastPeriod)
		prevSlow, okPS := indicator.EMA(prevCloses, cond.SlowPeriod)
		if !okPF || !okPS {
			res.fired = false
			res.warmingUp = true
			return false
		}
		res.snap.EMAPrevFast = &prevFast
		res.snap.EMAPrevSlow = &prevSlow
		if cond.Condition == model.CondCrossingUp {
			hit = prevFast <= prevSlow && fast > slow
		} else {
			hit = prevFast >= prevSlow && fast < slow
		}
	}
	if !hit {
		res.fired = false
		return false
	}
	return true
}

func (e *Engine) evalVolumeSpike(r *model.Rule, t model.Tick, res *evalResult) bool {
	cond := r.VolumeSpike
	tf := cond.Timeframe
	if tf == "" {
		tf = r.Throttle.Timeframe
	}
	window := cond.Window
	if window <= 0 {
		window = 20
	}

	cur, ok := e.cache.Candle(t.Symbol, tf)
	if !ok {
		res.fired = false
		res.warmingUp = true
		return false
	}
	volumes := e.store.Volumes(t.Symbol, tf, window)
	ratio, ok := indicator.VolumeSpikeRatio(cur.Volume, volumes, window)
	if !ok {
		res.fired = false
		res.warmingUp = true
		return false
	}
	res.snap.VolumeRatio = &ratio
	if ratio < cond.Multiplier {
		res.fired = false
		return false
	}
	return true
}
