// Package scheduler wakes at each timeframe's next aligned bucket boundary
// and broadcasts BucketRoll events. All time-based reset logic in the system
// is driven by these explicit events; nothing else owns a timer.
package scheduler

import (
	"context"
	"sort"
	"time"

	"tickalert/internal/model"
)

// realignEvery bounds how long the scheduler sleeps before re-reading the
// wall clock, absorbing drift between the monotonic and wall clocks.
const realignEvery = time.Minute

// Scheduler emits BucketRoll events for a fixed set of timeframes.
type Scheduler struct {
	tfs  []model.Timeframe
	subs []chan model.BucketRoll

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a scheduler for the given timeframes.
func New(tfs []model.Timeframe) *Scheduler {
	return &Scheduler{tfs: tfs, now: time.Now}
}

// Subscribe registers a roll consumer. Must be called before Run. Delivery
// is blocking: roll events drive correctness (throttle resets, carried
// candles) and must not be dropped.
func (s *Scheduler) Subscribe(buf int) <-chan model.BucketRoll {
	ch := make(chan model.BucketRoll, buf)
	s.subs = append(s.subs, ch)
	return ch
}

// Due returns the rolls due at or before instant t, given the previous
// boundary bookkeeping in next. Exposed for tests via Run's logic.
func due(next map[model.Timeframe]time.Time, t time.Time) []model.BucketRoll {
	var rolls []model.BucketRoll
	for tf, boundary := range next {
		if !boundary.After(t) {
			rolls = append(rolls, model.BucketRoll{Timeframe: tf, OpenTime: tf.Align(t)})
			next[tf] = tf.Next(t)
		}
	}
	sort.Slice(rolls, func(i, j int) bool {
		return rolls[i].Timeframe.Duration() < rolls[j].Timeframe.Duration()
	})
	return rolls
}

// Run blocks until ctx is cancelled, emitting rolls at every boundary.
func (s *Scheduler) Run(ctx context.Context) {
	next := make(map[model.Timeframe]time.Time, len(s.tfs))
	for _, tf := range s.tfs {
		next[tf] = tf.Next(s.now())
	}

	timer := time.NewTimer(s.sleepFor(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, ch := range s.subs {
				close(ch)
			}
			return
		case <-timer.C:
			now := s.now()
			for _, roll := range due(next, now) {
				s.broadcast(ctx, roll)
			}
			timer.Reset(s.sleepFor(next))
		}
	}
}

// sleepFor computes the time until the earliest pending boundary, capped at
// the realign interval.
func (s *Scheduler) sleepFor(next map[model.Timeframe]time.Time) time.Duration {
	now := s.now()
	d := realignEvery
	for _, boundary := range next {
		if wait := boundary.Sub(now); wait < d {
			d = wait
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) broadcast(ctx context.Context, roll model.BucketRoll) {
	for _, ch := range s.subs {
		select {
		case ch <- roll:
		case <-ctx.Done():
			return
		}
	}
}
