// Package indicator provides pure, deterministic indicator computations
// over candle sequences. No state, no I/O: callers pass slices read from
// the candle store and treat a false ok as "condition not evaluable".
package indicator

// RSI returns the latest Relative Strength Index over the closes using
// Wilder's smoothing: the initial average gain/loss is the simple mean of
// the first period deltas; subsequent values use
// (prev*(period-1)+current)/period. Undefined (ok=false) when
// len(closes) <= period.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	p := float64(period)
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// EMA returns the latest Exponential Moving Average over the closes,
// seeded with the simple mean of the first period values and using
// multiplier 2/(period+1). Undefined when len(closes) < period.
func EMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	ema := sum / float64(period)

	mult := 2.0 / float64(period+1)
	for i := period; i < len(closes); i++ {
		ema = closes[i]*mult + ema*(1-mult)
	}
	return ema, true
}

// VolumeSpikeRatio returns currentVolume divided by the mean of the last
// window entries of volumes. Undefined when fewer than window buckets are
// available or the mean is zero.
func VolumeSpikeRatio(currentVolume float64, volumes []float64, window int) (float64, bool) {
	if window <= 0 || len(volumes) < window {
		return 0, false
	}
	var sum float64
	for _, v := range volumes[len(volumes)-window:] {
		sum += v
	}
	mean := sum / float64(window)
	if mean == 0 {
		return 0, false
	}
	return currentVolume / mean, true
}
