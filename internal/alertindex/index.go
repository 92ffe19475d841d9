// Package alertindex maintains the secondary index Symbol → rules plus
// RuleId → rule snapshot. Writers are serialized on a mutex and rotate an
// immutable snapshot via atomic pointer swap; the hot path reads lock-free.
package alertindex

import (
	"sort"
	"sync"
	"sync/atomic"

	"tickalert/internal/model"
)

type snapshot struct {
	rules    map[model.RuleID]*model.Rule
	bySymbol map[string][]*model.Rule
}

func emptySnapshot() *snapshot {
	return &snapshot{
		rules:    map[model.RuleID]*model.Rule{},
		bySymbol: map[string][]*model.Rule{},
	}
}

// Index is the in-memory rule index. The engine's hot path never touches
// persistent storage: rule CRUD is pushed in through Upsert/Remove/BulkLoad
// by the rule-event ingestion surface.
type Index struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New creates an empty index.
func New() *Index {
	ix := &Index{}
	ix.snap.Store(emptySnapshot())
	return ix
}

// Upsert inserts or replaces a rule. When the rule's symbol changed, it
// atomically moves between symbol buckets (readers never see it in both).
func (ix *Index) Upsert(r model.Rule) {
	if r.Throttle.Timeframe == "" {
		r.Throttle = model.DefaultThrottle
	}
	if r.Throttle.MaxPerBucket <= 0 {
		r.Throttle.MaxPerBucket = model.DefaultThrottle.MaxPerBucket
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := ix.clone()
	next.remove(r.ID)
	next.insert(&r)
	ix.snap.Store(next)
}

// Remove deletes a rule; unknown ids are a no-op.
func (ix *Index) Remove(id model.RuleID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := ix.clone()
	next.remove(id)
	ix.snap.Store(next)
}

// BulkLoad replaces the whole index content in one swap.
func (ix *Index) BulkLoad(rules []model.Rule) {
	next := emptySnapshot()
	for i := range rules {
		r := rules[i]
		if r.Throttle.Timeframe == "" {
			r.Throttle = model.DefaultThrottle
		}
		if r.Throttle.MaxPerBucket <= 0 {
			r.Throttle.MaxPerBucket = model.DefaultThrottle.MaxPerBucket
		}
		next.remove(r.ID)
		next.insert(&r)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.snap.Store(next)
}

// RulesFor returns the rules watching the symbol. The returned slice and
// rules belong to an immutable snapshot and must not be mutated.
func (ix *Index) RulesFor(symbol string) []*model.Rule {
	return ix.snap.Load().bySymbol[symbol]
}

// Get returns the rule by id.
func (ix *Index) Get(id model.RuleID) (*model.Rule, bool) {
	r, ok := ix.snap.Load().rules[id]
	return r, ok
}

// All returns every rule, sorted by id.
func (ix *Index) All() []*model.Rule {
	s := ix.snap.Load()
	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of indexed rules.
func (ix *Index) Len() int {
	return len(ix.snap.Load().rules)
}

// clone copies the current snapshot maps; rule pointers are shared because
// rules are immutable once indexed.
func (ix *Index) clone() *snapshot {
	cur := ix.snap.Load()
	next := &snapshot{
		rules:    make(map[model.RuleID]*model.Rule, len(cur.rules)+1),
		bySymbol: make(map[string][]*model.Rule, len(cur.bySymbol)+1),
	}
	for id, r := range cur.rules {
		next.rules[id] = r
	}
	for sym, rs := range cur.bySymbol {
		cp := make([]*model.Rule, len(rs))
		copy(cp, rs)
		next.bySymbol[sym] = cp
	}
	return next
}

func (s *snapshot) insert(r *model.Rule) {
	s.rules[r.ID] = r
	s.bySymbol[r.Symbol] = append(s.bySymbol[r.Symbol], r)
}

func (s *snapshot) remove(id model.RuleID) {
	old, ok := s.rules[id]
	if !ok {
		return
	}
	delete(s.rules, id)
	bucket := s.bySymbol[old.Symbol]
	for i, r := range bucket {
		if r.ID == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(s.bySymbol, old.Symbol)
	} else {
		s.bySymbol[old.Symbol] = bucket
	}
}
