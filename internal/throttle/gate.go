// Package throttle enforces per-rule trigger caps keyed by
// (ruleId, throttleTimeframe, bucketOpenTime). Counters for a timeframe are
// dropped on its bucket rollover, so a new bucket always allows firing again
// without any per-rule bookkeeping.
package throttle

import (
	"sync"
	"time"

	"tickalert/internal/model"
)

// Key identifies one throttle counter.
type Key struct {
	RuleID    model.RuleID
	Timeframe model.Timeframe
	OpenTime  int64 // bucket open, Unix seconds
}

// Gate holds the counters. All methods are safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	counters map[Key]int

	// OnSuppressed is called when a firing is rejected by the cap (optional).
	OnSuppressed func(id model.RuleID)
}

// New creates an empty gate.
func New() *Gate {
	return &Gate{counters: make(map[Key]int, 256)}
}

// TryFire increments the counter for the rule's bucket and admits the firing
// iff the post-increment value is within the rule's cap. The returned seq is
// the post-increment counter value, used for stable trigger ids.
func (g *Gate) TryFire(rule *model.Rule, bucketOpen time.Time) (seq int, admitted bool) {
	k := Key{
		RuleID:    rule.ID,
		Timeframe: rule.Throttle.Timeframe,
		OpenTime:  bucketOpen.Unix(),
	}

	g.mu.Lock()
	g.counters[k]++
	seq = g.counters[k]
	g.mu.Unlock()

	if seq > rule.Throttle.MaxPerBucket {
		if g.OnSuppressed != nil {
			g.OnSuppressed(rule.ID)
		}
		return seq, false
	}
	return seq, true
}

// Roll drops every counter of the given timeframe whose bucket opened before
// newOpen.
func (g *Gate) Roll(tf model.Timeframe, newOpen time.Time) {
	cutoff := newOpen.Unix()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.counters {
		if k.Timeframe == tf && k.OpenTime < cutoff {
			delete(g.counters, k)
		}
	}
}

// Count returns the current counter for a key; 0 when absent.
func (g *Gate) Count(id model.RuleID, tf model.Timeframe, bucketOpen time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[Key{RuleID: id, Timeframe: tf, OpenTime: bucketOpen.Unix()}]
}

// Suppressed reports whether the rule has exhausted its cap for the bucket.
func (g *Gate) Suppressed(rule *model.Rule, bucketOpen time.Time) bool {
	return g.Count(rule.ID, rule.Throttle.Timeframe, bucketOpen) >= rule.Throttle.MaxPerBucket
}

// Len returns the number of live counters (for metrics).
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.counters)
}
