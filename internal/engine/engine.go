// Package engine is the evaluation core: it routes ticks to per-shard
// workers (one writer per symbol), applies them to the price cache, resolves
// watching rules, evaluates predicates, and pushes admitted decisions to the
// trigger bus. Bucket rolls from the scheduler reset throttle counters and
// carry idle symbols forward.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"tickalert/internal/alertindex"
	"tickalert/internal/bus"
	"tickalert/internal/candlestore"
	"tickalert/internal/model"
	"tickalert/internal/pricecache"
	"tickalert/internal/throttle"
)

// Archive receives every closed candle for long-term persistence. Optional;
// failures must be handled inside the implementation (the engine does not
// retry).
type Archive interface {
	Append(c model.Candle)
}

// Config tunes the engine's parallelism.
type Config struct {
	// Shards is the number of worker goroutines. Symbols are partitioned
	// across shards by hash; all mutations for a symbol happen on one shard.
	// Defaults to 4 if zero.
	Shards int

	// QueueDepth is the per-shard tick queue capacity. Defaults to 256.
	QueueDepth int
}

func (c *Config) defaults() {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
}

// Engine wires the cache, store, index, gate and bus together.
type Engine struct {
	cfg   Config
	cache *pricecache.Cache
	store *candlestore.Store
	index *alertindex.Index
	gate  *throttle.Gate
	bus   *bus.Bus

	archive Archive // optional

	queues []chan model.Tick
	status sync.Map // model.RuleID → model.RuleStatus

	// Hooks for metrics (all optional).
	OnTickApplied func(symbol string)
	OnOutOfOrder  func(symbol string)
	OnEvaluated   func(id model.RuleID, d time.Duration)
	OnWarmingUp   func(id model.RuleID)
	OnSuppressed  func(id model.RuleID)
	OnTrigger     func(ev model.TriggerEvent)
}

// New creates an engine. archive may be nil.
func New(cfg Config, cache *pricecache.Cache, store *candlestore.Store,
	index *alertindex.Index, gate *throttle.Gate, trig *bus.Bus, archive Archive) *Engine {

	cfg.defaults()
	e := &Engine{
		cfg:     cfg,
		cache:   cache,
		store:   store,
		index:   index,
		gate:    gate,
		bus:     trig,
		archive: archive,
	}
	e.queues = make([]chan model.Tick, cfg.Shards)
	for i := range e.queues {
		e.queues[i] = make(chan model.Tick, cfg.QueueDepth)
	}
	return e
}

// Run consumes ticks and bucket rolls until ctx is cancelled or the tick
// channel closes. It blocks; run it in its own goroutine.
func (e *Engine) Run(ctx context.Context, ticks <-chan model.Tick, rolls <-chan model.BucketRoll) {
	var wg sync.WaitGroup
	for i, q := range e.queues {
		wg.Add(1)
		go func(id int, q <-chan model.Tick) {
			defer wg.Done()
			e.worker(ctx, id, q)
		}(i, q)
	}

	e.dispatch(ctx, ticks, rolls)

	for _, q := range e.queues {
		close(q)
	}
	wg.Wait()
}

// dispatch routes ticks to shards and handles rolls in-line. Throttle
// admission is keyed by bucket open time, so roll timing relative to
// in-flight ticks does not affect admission decisions; rolls only drop
// stale counters and carry idle symbols forward.
func (e *Engine) dispatch(ctx context.Context, ticks <-chan model.Tick, rolls <-chan model.BucketRoll) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			select {
			case e.queues[e.shardFor(tick.Symbol)] <- tick:
			case <-ctx.Done():
				return
			}
		case roll, ok := <-rolls:
			if !ok {
				rolls = nil
				continue
			}
			e.handleRoll(roll)
		}
	}
}

func (e *Engine) shardFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *Engine) worker(ctx context.Context, id int, q <-chan model.Tick) {
	for tick := range q {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.handleTick(ctx, tick)
	}
}

func (e *Engine) handleTick(ctx context.Context, tick model.Tick) {
	notice, err := e.cache.Apply(tick)
	if err != nil {
		if errors.Is(err, pricecache.ErrOutOfOrder) {
			if e.OnOutOfOrder != nil {
				e.OnOutOfOrder(tick.Symbol)
			}
		} else {
			log.Printf("[engine] apply %s: %v", tick.Symbol, err)
		}
		return
	}
	if e.OnTickApplied != nil {
		e.OnTickApplied(tick.Symbol)
	}

	for _, cb := range notice.ClosedBuckets {
		e.appendClosed(cb.Candle)
	}

	rules := e.index.RulesFor(tick.Symbol)
	if len(rules) == 0 {
		return
	}

	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		start := time.Now()
		res := e.evaluate(rule, tick, notice)
		if e.OnEvaluated != nil {
			e.OnEvaluated(rule.ID, time.Since(start))
		}
		if res.warmingUp {
			e.status.Store(rule.ID, model.StatusWarmingUp)
			if e.OnWarmingUp != nil {
				e.OnWarmingUp(rule.ID)
			}
			continue
		}
		if !res.fired {
			e.status.Store(rule.ID, model.StatusArmed)
			continue
		}

		bucketOpen := rule.Throttle.Timeframe.Align(tick.TS)
		seq, admitted := e.gate.TryFire(rule, bucketOpen)
		if !admitted {
			e.status.Store(rule.ID, model.StatusSuppressed)
			if e.OnSuppressed != nil {
				e.OnSuppressed(rule.ID)
			}
			continue
		}

		ev, err := e.bus.Emit(ctx, model.TriggerDecision{
			RuleID:            rule.ID,
			Symbol:            tick.Symbol,
			FiredAt:           tick.TS,
			PriceAtFiring:     tick.Price,
			BucketOpenTime:    bucketOpen,
			ThrottleTimeframe: rule.Throttle.Timeframe,
			Seq:               seq,
			Snapshot:          res.snap,
		})
		if err != nil {
			log.Printf("[engine] emit %s: %v", rule.ID, err)
			continue
		}
		if e.gate.Suppressed(rule, bucketOpen) {
			e.status.Store(rule.ID, model.StatusSuppressed)
		} else {
			e.status.Store(rule.ID, model.StatusArmed)
		}
		if e.OnTrigger != nil {
			e.OnTrigger(ev)
		}
	}
}

// handleRoll runs on the dispatcher goroutine: drop stale throttle counters,
// then close idle buckets and persist the carried candles.
func (e *Engine) handleRoll(roll model.BucketRoll) {
	e.gate.Roll(roll.Timeframe, roll.OpenTime)
	for _, cb := range e.cache.Roll(roll.Timeframe, roll.OpenTime) {
		e.appendClosed(cb.Candle)
	}
}

func (e *Engine) appendClosed(c model.Candle) {
	if err := e.store.Append(c); err != nil {
		// A tick-driven close may already have stored this bucket.
		if !errors.Is(err, candlestore.ErrNonMonotonic) {
			log.Printf("[engine] store append %s: %v", c.Key(), err)
		}
		return
	}
	if e.archive != nil {
		e.archive.Append(c)
	}
}

// RuleStatus returns the user-visible evaluation state of a rule. Rules for
// symbols the feed has never delivered are dormant.
func (e *Engine) RuleStatus(r *model.Rule) model.RuleStatus {
	if v, ok := e.status.Load(r.ID); ok {
		return v.(model.RuleStatus)
	}
	if !e.cache.Has(r.Symbol) {
		return model.StatusDormant
	}
	return model.StatusArmed
}

// DropStatus forgets a removed rule's status.
func (e *Engine) DropStatus(id model.RuleID) {
	e.status.Delete(id)
}
