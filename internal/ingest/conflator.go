package ingest

import (
	"context"
	"sync/atomic"

	"tickalert/internal/model"
)

// Conflator sits between the raw tick stream and the evaluation stage. When
// the downstream cannot keep up, newer ticks for a symbol overwrite the
// pending one: the oldest tick loses, the freshest wins. Symbols drain in
// FIFO arrival order so no symbol starves.
//
// A single goroutine owns all state; there is no locking.
type Conflator struct {
	pending map[string]model.Tick
	queue   []string // arrival order of symbols with a pending tick
	depth   atomic.Int64

	// OnConflated is called when a pending tick is overwritten (optional).
	OnConflated func(symbol string)
}

// NewConflator creates an empty conflator.
func NewConflator() *Conflator {
	return &Conflator{pending: make(map[string]model.Tick, 64)}
}

// Run pumps ticks from in to out until ctx is cancelled or in closes, then
// drains what is pending and closes out.
func (c *Conflator) Run(ctx context.Context, in <-chan model.Tick, out chan<- model.Tick) {
	defer close(out)

	for {
		// Nothing pending: block on input only.
		if len(c.queue) == 0 {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-in:
				if !ok {
					return
				}
				c.put(tick)
			}
			continue
		}

		head := c.queue[0]
		next := c.pending[head]

		select {
		case <-ctx.Done():
			return
		case tick, ok := <-in:
			if !ok {
				c.drain(ctx, out)
				return
			}
			c.put(tick)
		case out <- next:
			c.pop(head)
		}
	}
}

// put stores the tick, overwriting any pending tick for the same symbol. A
// resync tick never loses its flag to a later plain tick.
func (c *Conflator) put(tick model.Tick) {
	if prev, ok := c.pending[tick.Symbol]; ok {
		if prev.Resync {
			tick.Resync = true
		}
		c.pending[tick.Symbol] = tick
		if c.OnConflated != nil {
			c.OnConflated(tick.Symbol)
		}
		return
	}
	c.pending[tick.Symbol] = tick
	c.queue = append(c.queue, tick.Symbol)
	c.depth.Store(int64(len(c.queue)))
}

func (c *Conflator) pop(symbol string) {
	delete(c.pending, symbol)
	c.queue = c.queue[1:]
	c.depth.Store(int64(len(c.queue)))
}

// drain flushes remaining pending ticks after the input closes.
func (c *Conflator) drain(ctx context.Context, out chan<- model.Tick) {
	for _, sym := range c.queue {
		select {
		case out <- c.pending[sym]:
		case <-ctx.Done():
			return
		}
	}
	c.queue = nil
	c.pending = make(map[string]model.Tick)
	c.depth.Store(0)
}

// Pending returns the number of symbols with an undelivered tick. Safe to
// call from other goroutines (metrics).
func (c *Conflator) Pending() int {
	return int(c.depth.Load())
}
