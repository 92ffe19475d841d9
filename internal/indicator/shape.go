package indicator

import "tickalert/internal/model"

// OHLC is the minimal candle view the shape classifier needs; both closed
// candles and in-progress buckets satisfy it via AsOHLC helpers.
type OHLC struct {
	Open, High, Low, Close float64
}

// dojiBodyFrac: a candle is a doji when its body is at most this fraction
// of its range.
const dojiBodyFrac = 0.001

// ClassifyShape returns every shape the candle matches. ShapeNone is never
// returned; a rule configured with ShapeNone matches any candle.
func ClassifyShape(c OHLC) []model.ShapeKind {
	var shapes []model.ShapeKind

	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	rng := c.High - c.Low
	maxOC, minOC := c.Open, c.Open
	if c.Close > maxOC {
		maxOC = c.Close
	}
	if c.Close < minOC {
		minOC = c.Close
	}
	upperWick := c.High - maxOC
	lowerWick := minOC - c.Low

	if c.Close > c.Open {
		shapes = append(shapes, model.ShapeGreen, model.ShapeAboveOpen)
	}
	if c.Close < c.Open {
		shapes = append(shapes, model.ShapeRed, model.ShapeBelowOpen)
	}
	if rng > 0 && body <= dojiBodyFrac*rng {
		shapes = append(shapes, model.ShapeDoji)
	}
	if lowerWick >= 2*body && upperWick <= body && c.Close >= c.Open {
		shapes = append(shapes, model.ShapeBullishHammer)
	}
	if upperWick >= 2*body && lowerWick <= body && c.Close <= c.Open {
		shapes = append(shapes, model.ShapeBearishHammer)
	}
	if upperWick > 0 && upperWick >= 2*body {
		shapes = append(shapes, model.ShapeLongUpperWick)
	}
	if lowerWick > 0 && lowerWick >= 2*body {
		shapes = append(shapes, model.ShapeLongLowerWick)
	}
	return shapes
}

// HasShape reports whether the candle matches the given shape. ShapeNone
// always matches.
func HasShape(c OHLC, want model.ShapeKind) bool {
	if want == model.ShapeNone || want == "" {
		return true
	}
	for _, s := range ClassifyShape(c) {
		if s == want {
			return true
		}
	}
	return false
}
