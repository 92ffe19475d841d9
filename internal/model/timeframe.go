package model

import (
	"fmt"
	"time"
)

// Timeframe identifies a fixed candle duration. The set is closed: every
// timeframe the engine understands is listed below.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// AllTimeframes returns every supported timeframe, shortest first.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF12h, TF1d, TF1w}
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := tfDurations[tf]
	return ok
}

// Duration returns the fixed bucket duration of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Align returns the open time of the bucket containing t.
// Buckets align to the UTC epoch; the daily bucket opens at 00:00 UTC and
// the weekly bucket opens on Monday 00:00 UTC.
func (tf Timeframe) Align(t time.Time) time.Time {
	t = t.UTC()
	if tf == TF1w {
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7 // days since Monday
		return day.AddDate(0, 0, -offset)
	}
	// All sub-weekly durations divide 24h evenly, so Truncate lands on the
	// same boundaries as epoch alignment.
	return t.Truncate(tf.Duration())
}

// Next returns the open time of the bucket immediately after the one
// containing t.
func (tf Timeframe) Next(t time.Time) time.Time {
	return tf.Align(t).Add(tf.Duration())
}

func (tf Timeframe) String() string { return string(tf) }
