// Package candlestore keeps a bounded sliding window of closed candles per
// (symbol, timeframe) series. Indicator computations read slices from here;
// the store itself never computes anything.
package candlestore

import (
	"errors"
	"sync"
	"time"

	"tickalert/internal/model"
)

// ErrNonMonotonic is returned when an append would break ascending openTime
// order within a series.
var ErrNonMonotonic = errors.New("candle openTime not after last stored openTime")

// series is a fixed-capacity ring of candles in ascending openTime order.
type series struct {
	buf      []model.Candle
	head     int // index of the oldest entry
	count    int
	lastOpen time.Time
}

func (s *series) append(c model.Candle) {
	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = c
		s.count++
	} else {
		s.buf[s.head] = c
		s.head = (s.head + 1) % len(s.buf)
	}
	s.lastOpen = c.OpenTime
}

func (s *series) lastN(n int) []model.Candle {
	if n > s.count {
		n = s.count
	}
	out := make([]model.Candle, n)
	start := s.head + s.count - n
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Store maps (symbol, timeframe) to a ring of closed candles.
type Store struct {
	mu       sync.RWMutex
	series   map[string]*series
	capacity int
}

// New creates a store whose rings hold up to capacity candles each.
func New(capacity int) *Store {
	if capacity < 2 {
		capacity = 2
	}
	return &Store{
		series:   make(map[string]*series, 256),
		capacity: capacity,
	}
}

func key(symbol string, tf model.Timeframe) string {
	return symbol + ":" + string(tf)
}

// Append adds one closed candle to the series. The candle's openTime must be
// strictly after the last stored openTime.
func (s *Store) Append(c model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.Symbol, c.Timeframe)
	ser, ok := s.series[k]
	if !ok {
		ser = &series{buf: make([]model.Candle, s.capacity)}
		s.series[k] = ser
	}
	if ser.count > 0 && !c.OpenTime.After(ser.lastOpen) {
		return ErrNonMonotonic
	}
	ser.append(c)
	return nil
}

// Seed replaces the series content with warm-up history. Candles must be in
// ascending openTime order; entries older than an already-stored candle are
// skipped so a seed cannot rewind a live series.
func (s *Store) Seed(symbol string, tf model.Timeframe, candles []model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(symbol, tf)
	ser, ok := s.series[k]
	if !ok {
		ser = &series{buf: make([]model.Candle, s.capacity)}
		s.series[k] = ser
	}
	for _, c := range candles {
		if ser.count > 0 && !c.OpenTime.After(ser.lastOpen) {
			continue
		}
		ser.append(c)
	}
}

// LastN returns the last n closed candles in ascending openTime order, or
// fewer if the series holds less.
func (s *Store) LastN(symbol string, tf model.Timeframe, n int) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[key(symbol, tf)]
	if !ok || n <= 0 {
		return nil
	}
	return ser.lastN(n)
}

// Len returns the number of stored candles for the series.
func (s *Store) Len(symbol string, tf model.Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[key(symbol, tf)]
	if !ok {
		return 0
	}
	return ser.count
}

// Closes returns the close prices of the last n candles, ascending.
func (s *Store) Closes(symbol string, tf model.Timeframe, n int) []float64 {
	candles := s.LastN(symbol, tf, n)
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Close
	}
	return out
}

// Volumes returns the volumes of the last n candles, ascending.
func (s *Store) Volumes(symbol string, tf model.Timeframe, n int) []float64 {
	candles := s.LastN(symbol, tf, n)
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Volume
	}
	return out
}
