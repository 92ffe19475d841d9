// Package pricecache holds the canonical in-memory state for every symbol:
// last price, rolling 24h stats, and the in-progress candle per timeframe.
// Mutations for a symbol arrive from exactly one shard worker (routing is
// the engine's job); readers always get consistent deep copies.
package pricecache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tickalert/internal/model"
)

// ErrOutOfOrder is returned for ticks older than the symbol's last update.
// Out-of-order ticks are dropped, counted, and never fatal.
var ErrOutOfOrder = errors.New("tick older than current state")

// Cache is the authoritative Symbol → PriceRecord mapping.
type Cache struct {
	mu         sync.RWMutex
	records    map[string]*model.PriceRecord
	timeframes []model.Timeframe

	// OnOutOfOrder is called when a tick is rejected (optional).
	OnOutOfOrder func(symbol string)
}

// New creates a cache tracking a current candle per given timeframe.
func New(tfs []model.Timeframe) *Cache {
	return &Cache{
		records:    make(map[string]*model.PriceRecord, 512),
		timeframes: tfs,
	}
}

// Apply incorporates one tick. If the tick's timestamp falls inside an
// existing bucket the bucket is extended in place; otherwise the previous
// bucket closes (reported in the notice) and a new aligned bucket opens with
// O=H=L=C=tick price. A tick timestamped exactly on a boundary opens the new
// bucket.
func (c *Cache) Apply(t model.Tick) (model.MutationNotice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[t.Symbol]
	if !exists {
		rec = &model.PriceRecord{
			Symbol:  t.Symbol,
			Candles: make(map[model.Timeframe]model.CurrentCandle, len(c.timeframes)),
		}
		c.records[t.Symbol] = rec
	}

	if exists && t.TS.Before(rec.UpdatedAt) {
		if c.OnOutOfOrder != nil {
			c.OnOutOfOrder(t.Symbol)
		}
		return model.MutationNotice{}, ErrOutOfOrder
	}

	notice := model.MutationNotice{
		Symbol:      t.Symbol,
		PriceBefore: rec.Price,
		PriceAfter:  t.Price,
	}
	if !exists {
		// First tick for the symbol: no meaningful previous price.
		notice.PriceBefore = t.Price
	}

	for _, tf := range c.timeframes {
		open := tf.Align(t.TS)
		cur, ok := rec.Candles[tf]

		if ok && open.After(cur.OpenTime) {
			notice.ClosedBuckets = append(notice.ClosedBuckets, model.ClosedBucket{
				Timeframe: tf,
				Candle:    cur.Closed(t.Symbol, tf),
			})
			ok = false
		}

		if !ok {
			rec.Candles[tf] = model.CurrentCandle{
				OpenTime: open,
				Open:     t.Price,
				High:     t.Price,
				Low:      t.Price,
				Close:    t.Price,
				Volume:   t.Volume,
			}
			continue
		}

		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Volume
		rec.Candles[tf] = cur
	}

	rec.Price = t.Price
	rec.LastVolume = t.Volume
	rec.UpdatedAt = t.TS
	rec.Open24h = t.Open24h
	rec.High24h = t.High24h
	rec.Low24h = t.Low24h
	rec.Vol24h = t.Vol24h
	rec.Change24h = t.PercentChange24h()
	rec.Version++
	notice.Version = rec.Version

	return notice, nil
}

// Roll closes every bucket of the given timeframe whose open time is behind
// newOpen, carrying forward idle symbols with O=H=L=C=lastPrice and zero
// volume. Returns the closed candles in (symbol, openTime) order so the
// caller can append them to the candle store.
func (c *Cache) Roll(tf model.Timeframe, newOpen time.Time) []model.ClosedBucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closed []model.ClosedBucket
	dur := tf.Duration()

	for sym, rec := range c.records {
		cur, ok := rec.Candles[tf]
		if !ok {
			continue
		}
		mutated := false
		// A symbol may have been idle across several boundaries; emit one
		// carried-forward candle per missed bucket to keep series contiguous.
		for cur.OpenTime.Before(newOpen) {
			closed = append(closed, model.ClosedBucket{
				Timeframe: tf,
				Candle:    cur.Closed(sym, tf),
			})
			cur = model.CurrentCandle{
				OpenTime: cur.OpenTime.Add(dur),
				Open:     cur.Close,
				High:     cur.Close,
				Low:      cur.Close,
				Close:    cur.Close,
				Volume:   0,
			}
			mutated = true
		}
		if mutated {
			rec.Candles[tf] = cur
			rec.Version++
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Candle.Symbol != closed[j].Candle.Symbol {
			return closed[i].Candle.Symbol < closed[j].Candle.Symbol
		}
		return closed[i].Candle.OpenTime.Before(closed[j].Candle.OpenTime)
	})
	return closed
}

// Get returns a deep-copy snapshot of the symbol's record.
func (c *Cache) Get(symbol string) (model.PriceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[symbol]
	if !ok {
		return model.PriceRecord{}, false
	}
	return rec.Clone(), true
}

// Candle returns a snapshot of the current bucket for (symbol, timeframe).
func (c *Cache) Candle(symbol string, tf model.Timeframe) (model.CurrentCandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[symbol]
	if !ok {
		return model.CurrentCandle{}, false
	}
	cur, ok := rec.Candles[tf]
	return cur, ok
}

// Has reports whether the symbol exists in the cache.
func (c *Cache) Has(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.records[symbol]
	return ok
}

// Symbols returns all known symbols, sorted.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.records))
	for sym := range c.records {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
