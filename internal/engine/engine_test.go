package engine

import (
	"context"
	"testing"
	"time"

	"tickalert/internal/alertindex"
	"tickalert/internal/bus"
	"tickalert/internal/candlestore"
	"tickalert/internal/journal"
	"tickalert/internal/model"
	"tickalert/internal/pricecache"
	"tickalert/internal/throttle"
)

type testRig struct {
	engine *Engine
	cache  *pricecache.Cache
	store  *candlestore.Store
	index  *alertindex.Index
	events <-chan model.TriggerEvent
}

func newRig(t *testing.T, tfs []model.Timeframe) *testRig {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	cache := pricecache.New(tfs)
	store := candlestore.New(256)
	index := alertindex.New()
	trig := bus.New(j, 64)
	e := New(Config{Shards: 1}, cache, store, index, throttle.New(), trig, nil)
	return &testRig{
		engine: e,
		cache:  cache,
		store:  store,
		index:  index,
		events: trig.Subscribe(),
	}
}

func (r *testRig) tick(symbol string, price float64, ts time.Time) {
	r.engine.handleTick(context.Background(), model.Tick{
		Symbol: symbol, Price: price, TS: ts, Vol24h: 1e9,
	})
}

func (r *testRig) drain() []model.TriggerEvent {
	var out []model.TriggerEvent
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 13, h, m, s, 0, time.UTC)
}

// Single price crossing: one trigger exactly when the level is first reached.
func TestEngine_PriceLevelFiresOnce(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirAbove,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	prices := []float64{99, 99.5, 100.0, 101, 102}
	for i, p := range prices {
		rig.tick("XY", p, at(10, i, 0))
	}

	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.PriceAtFiring != 100.0 {
		t.Errorf("priceAtFiring: got %v, want 100.0", ev.PriceAtFiring)
	}
	if !ev.FiredAt.Equal(at(10, 2, 0)) {
		t.Errorf("firedAt: got %v", ev.FiredAt)
	}
	if !ev.BucketOpenTime.Equal(at(10, 0, 0)) {
		t.Errorf("bucketOpenTime: got %v", ev.BucketOpenTime)
	}
}

// Throttled in the same hour, fires again in the next hour's bucket.
func TestEngine_ThrottleAcrossHourBuckets(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rule := model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirAbove,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	}
	rig.index.Upsert(rule)

	rig.tick("XY", 101, at(10, 0, 0))
	rig.tick("XY", 103, at(10, 5, 0))
	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("first hour: got %d events, want 1", len(got))
	}
	r, _ := rig.index.Get("r1")
	if st := rig.engine.RuleStatus(r); st != model.StatusSuppressed {
		t.Errorf("status after suppression: got %s", st)
	}

	rig.tick("XY", 104, at(11, 0, 0))
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("second hour: got %d events, want 1", len(events))
	}
	if !events[0].BucketOpenTime.Equal(at(11, 0, 0)) {
		t.Errorf("bucketOpenTime: got %v", events[0].BucketOpenTime)
	}
}

// Candle shape fires at most once per bucket; a carried-forward open makes a
// falling bucket red even when its ticks rise.
func TestEngine_ShapeOncePerBucket(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF5m})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY",
		Shape:    &model.ShapeCondition{Timeframes: []model.Timeframe{model.TF5m}, Shape: model.ShapeGreen},
		Throttle: model.Throttle{Timeframe: model.TF5m, MaxPerBucket: 1},
		Active:   true,
	})

	// Bucket 10:00: 10.0 opens the candle (not green yet), then rising ticks.
	for i, p := range []float64{10.0, 11.0, 10.5, 11.5} {
		rig.tick("XY", p, at(10, 0, 10*i+10))
	}
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("bucket 1: got %d events, want 1", len(events))
	}
	if !events[0].BucketOpenTime.Equal(at(10, 0, 0)) {
		t.Errorf("bucket 1 openTime: got %v", events[0].BucketOpenTime)
	}

	// Roll to 10:05 carries the candle forward with open=11.5; the bucket
	// stays red even though its own ticks rise.
	rig.engine.handleRoll(model.BucketRoll{Timeframe: model.TF5m, OpenTime: at(10, 5, 0)})
	rig.tick("XY", 9.0, at(10, 5, 10))
	rig.tick("XY", 9.5, at(10, 5, 20))
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("red bucket fired %d events", len(got))
	}

	// Roll to 10:10 carries open=9.5; the bucket turns green at 10.0.
	rig.engine.handleRoll(model.BucketRoll{Timeframe: model.TF5m, OpenTime: at(10, 10, 0)})
	for i, p := range []float64{9.5, 10.0, 10.2} {
		rig.tick("XY", p, at(10, 10, 10*i+10))
	}
	events = rig.drain()
	if len(events) != 1 {
		t.Fatalf("bucket 3: got %d events, want 1", len(events))
	}
	if !events[0].BucketOpenTime.Equal(at(10, 10, 0)) {
		t.Errorf("bucket 3 openTime: got %v", events[0].BucketOpenTime)
	}
}

// A rule whose indicator lacks history never fires and reports warming_up.
func TestEngine_WarmupGating(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY",
		RSI:      &model.RSICondition{Timeframe: model.TF1h, Period: 14, Condition: model.CondAbove, Level: 1},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	// Only 5 closed hourly candles: RSI(14) is undefined.
	open := at(0, 0, 0)
	for i := 0; i < 5; i++ {
		rig.store.Append(model.Candle{
			Symbol: "XY", Timeframe: model.TF1h,
			OpenTime:  open.Add(time.Duration(i) * time.Hour),
			CloseTime: open.Add(time.Duration(i+1) * time.Hour),
			Open:      100, High: 110, Low: 95, Close: 105 + float64(i),
		})
	}

	rig.tick("XY", 200, at(10, 0, 0))
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("warming rule fired %d events", len(got))
	}
	r, _ := rig.index.Get("r1")
	if st := rig.engine.RuleStatus(r); st != model.StatusWarmingUp {
		t.Errorf("status: got %s, want warming_up", st)
	}

	// With 16 candles (period+2) the RSI and its previous value are defined.
	for i := 5; i < 16; i++ {
		rig.store.Append(model.Candle{
			Symbol: "XY", Timeframe: model.TF1h,
			OpenTime:  open.Add(time.Duration(i) * time.Hour),
			CloseTime: open.Add(time.Duration(i+1) * time.Hour),
			Open:      100, High: 210, Low: 95, Close: 105 + float64(i),
		})
	}
	rig.tick("XY", 201, at(10, 1, 0))
	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("warmed rule: got %d events, want 1", len(got))
	}
}

// Crossing fires only on a fresh cross of the level, not while parked above
// it, and fires again after dipping below and recovering.
func TestEngine_RSICrossingUpSemantics(t *testing.T) {
	const period = 3
	const level = 55.0
	rig := newRig(t, []model.Timeframe{model.TF1h})

	n := 0
	appendClose := func(close float64) {
		open := at(0, 0, 0).Add(time.Duration(n) * time.Hour)
		n++
		rig.store.Append(model.Candle{
			Symbol: "XY", Timeframe: model.TF1h,
			OpenTime: open, CloseTime: open.Add(time.Hour),
			Open: close, High: close, Low: close, Close: close,
		})
	}

	// Over the 5-close evaluation window [98,99,97,98,100]:
	// prevRSI(3) = 50, currRSI(3) ≈ 71.4: a fresh cross of 55.
	for _, c := range []float64{100, 98, 99, 97, 98, 100} {
		appendClose(c)
	}

	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY",
		RSI:      &model.RSICondition{Timeframe: model.TF1h, Period: period, Condition: model.CondCrossingUp, Level: level},
		Throttle: model.Throttle{Timeframe: model.TF1m, MaxPerBucket: 1},
		Active:   true,
	})

	minute := 0
	eval := func() int {
		rig.tick("XY", 100, at(10, minute, 0))
		minute++
		return len(rig.drain())
	}

	if got := eval(); got != 1 {
		t.Fatalf("fresh cross: got %d events, want 1", got)
	}

	// Window [99,97,98,100,102]: prevRSI = 60 ≥ level. Parked above, no
	// fresh cross (distinct throttle buckets, so the gate is not the cause).
	appendClose(102)
	if got := eval(); got != 0 {
		t.Fatalf("parked above level fired %d events", got)
	}

	// A sharp drop takes RSI below the level (crossing down, not up).
	appendClose(90)
	if got := eval(); got != 0 {
		t.Fatalf("drop fired %d events", got)
	}

	// Partial recovery: prevRSI = 25, currRSI ≈ 48.9, still below.
	appendClose(95)
	if got := eval(); got != 0 {
		t.Fatalf("partial recovery fired %d events", got)
	}

	// Full recovery: prevRSI ≈ 36.8 < 55 ≤ currRSI ≈ 64.7, a fresh cross.
	appendClose(105)
	if got := eval(); got != 1 {
		t.Fatalf("re-cross: got %d events, want 1", got)
	}
}

// Out-of-order ticks are dropped; the bucket close reflects the last
// in-order tick.
func TestEngine_OutOfOrderTickDropped(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1m})

	rig.tick("XY", 100, at(10, 0, 0))
	rig.tick("XY", 102, at(10, 0, 2))
	rig.tick("XY", 50, at(10, 0, 1)) // late: dropped
	rig.tick("XY", 103, at(10, 0, 3))

	cur, ok := rig.cache.Candle("XY", model.TF1m)
	if !ok {
		t.Fatal("no current candle")
	}
	if cur.Close != 103 {
		t.Errorf("close: got %v, want 103", cur.Close)
	}
	if cur.Low != 100 {
		t.Errorf("low: got %v, want 100 (dropped tick must not widen range)", cur.Low)
	}
}

func TestEngine_PercentTargetFromCandleOpen(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirAbove,
		Target: &model.Target{
			Kind: model.TargetPercent, Value: 5,
			BaselineMode: model.BaselineCandleOpen, BaselineTimeframe: model.TF1h,
		},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	rig.tick("XY", 100, at(10, 0, 0)) // opens the hourly candle at 100
	rig.tick("XY", 104, at(10, 1, 0)) // +4%: below threshold
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("+4%% fired %d events", len(got))
	}

	rig.tick("XY", 105, at(10, 2, 0)) // +5%: fires
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("+5%%: got %d events, want 1", len(events))
	}
	snap := events[0].Snapshot
	if snap.Baseline == nil || *snap.Baseline != 100 {
		t.Errorf("baseline: %v", snap.Baseline)
	}
	if snap.PercentChange == nil || *snap.PercentChange != 5 {
		t.Errorf("percentChange: %v", snap.PercentChange)
	}
}

func TestEngine_PercentTargetPinnedReferencePrice(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirBelow,
		Target: &model.Target{
			Kind: model.TargetPercent, Value: 10,
			BaselineMode: model.BaselineCreation, ReferencePrice: 200,
		},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	rig.tick("XY", 185, at(10, 0, 0)) // -7.5% from 200: no
	rig.tick("XY", 180, at(10, 1, 0)) // -10%: fires
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

// direction=either on a price level means a crossing, not a state test.
func TestEngine_EitherDirectionIsACrossing(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirEither,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1m, MaxPerBucket: 1},
		Active:   true,
	})

	rig.tick("XY", 105, at(10, 0, 0)) // first tick: no previous side
	rig.tick("XY", 106, at(10, 1, 0)) // stays above: no cross
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("no-cross fired %d events", len(got))
	}

	rig.tick("XY", 99, at(10, 2, 0)) // crosses down through 100
	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("downward cross: got %d events", len(got))
	}

	rig.tick("XY", 101, at(10, 3, 0)) // crosses back up
	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("upward cross: got %d events", len(got))
	}
}

func TestEngine_EMACrossing(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})

	appendClose := func(i int, close float64) {
		open := at(0, 0, 0).Add(time.Duration(i) * time.Hour)
		rig.store.Append(model.Candle{
			Symbol: "XY", Timeframe: model.TF1h,
			OpenTime: open, CloseTime: open.Add(time.Hour),
			Open: close, High: close, Low: close, Close: close,
		})
	}

	// Long downtrend, then a sharp reversal: the fast EMA crosses above the
	// slow one on the final candle.
	closes := []float64{120, 118, 116, 114, 112, 110, 108, 106, 104, 102, 100, 150}
	for i, c := range closes {
		appendClose(i, c)
	}

	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY",
		EMA:      &model.EMACondition{Timeframe: model.TF1h, FastPeriod: 3, SlowPeriod: 8, Condition: model.CondCrossingUp},
		Throttle: model.Throttle{Timeframe: model.TF1m, MaxPerBucket: 1},
		Active:   true,
	})

	rig.tick("XY", 150, at(12, 0, 0))
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("crossing: got %d events, want 1", len(events))
	}
	snap := events[0].Snapshot
	if snap.EMAFast == nil || snap.EMASlow == nil || *snap.EMAFast <= *snap.EMASlow {
		t.Errorf("snapshot EMAs: fast=%v slow=%v", snap.EMAFast, snap.EMASlow)
	}

	// Fast stays above slow: no fresh cross on the next evaluation.
	appendClose(len(closes), 155)
	rig.tick("XY", 155, at(12, 1, 0))
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("parked above fired %d events", len(got))
	}
}

func TestEngine_VolumeSpike(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1m})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY",
		VolumeSpike: &model.VolumeSpikeCondition{Timeframe: model.TF1m, Multiplier: 3, Window: 5},
		Throttle:    model.Throttle{Timeframe: model.TF1m, MaxPerBucket: 1},
		Active:      true,
	})

	// Five closed 1m candles with volume 10 each.
	for i := 0; i < 5; i++ {
		open := at(9, 55+i, 0)
		rig.store.Append(model.Candle{
			Symbol: "XY", Timeframe: model.TF1m,
			OpenTime: open, CloseTime: open.Add(time.Minute),
			Open: 100, High: 100, Low: 100, Close: 100, Volume: 10,
		})
	}

	normal := model.Tick{Symbol: "XY", Price: 100, Volume: 12, TS: at(10, 0, 1), Vol24h: 1e9}
	rig.engine.handleTick(context.Background(), normal)
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("1.2x volume fired %d events", len(got))
	}

	spike := model.Tick{Symbol: "XY", Price: 100, Volume: 25, TS: at(10, 0, 2), Vol24h: 1e9}
	rig.engine.handleTick(context.Background(), spike)
	events := rig.drain()
	if len(events) != 1 {
		t.Fatalf("3.7x volume: got %d events, want 1", len(events))
	}
	if events[0].Snapshot.VolumeRatio == nil || *events[0].Snapshot.VolumeRatio < 3 {
		t.Errorf("volumeRatio: %v", events[0].Snapshot.VolumeRatio)
	}
}

func TestEngine_MinDailyVolumeGate(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirAbove,
		Target:         &model.Target{Kind: model.TargetPrice, Value: 100},
		MinDailyVolume: 1e6,
		Throttle:       model.Throttle{Timeframe: model.TF1m, MaxPerBucket: 1},
		Active:         true,
	})

	rig.engine.handleTick(context.Background(), model.Tick{
		Symbol: "XY", Price: 101, TS: at(10, 0, 0), Vol24h: 5e5,
	})
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("illiquid symbol fired %d events", len(got))
	}

	rig.engine.handleTick(context.Background(), model.Tick{
		Symbol: "XY", Price: 101, TS: at(10, 1, 0), Vol24h: 2e6,
	})
	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("liquid symbol: got %d events", len(got))
	}
}

func TestEngine_InactiveAndDormantRules(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "off", Symbol: "XY", Direction: model.DirAbove,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   false,
	})
	rig.index.Upsert(model.Rule{
		ID: "ghost", Symbol: "NOSUCH", Direction: model.DirAbove,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	rig.tick("XY", 150, at(10, 0, 0))
	if got := rig.drain(); len(got) != 0 {
		t.Fatalf("inactive rule fired %d events", len(got))
	}

	ghost, _ := rig.index.Get("ghost")
	if st := rig.engine.RuleStatus(ghost); st != model.StatusDormant {
		t.Errorf("unwatched symbol status: got %s, want dormant", st)
	}
}

// End-to-end through Run: ticks and rolls on channels, sharded dispatch.
func TestEngine_RunPipeline(t *testing.T) {
	rig := newRig(t, []model.Timeframe{model.TF1m, model.TF1h})
	rig.index.Upsert(model.Rule{
		ID: "r1", Symbol: "XY", Direction: model.DirAbove,
		Target:   &model.Target{Kind: model.TargetPrice, Value: 100},
		Throttle: model.Throttle{Timeframe: model.TF1h, MaxPerBucket: 1},
		Active:   true,
	})

	ticks := make(chan model.Tick, 8)
	rolls := make(chan model.BucketRoll, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rig.engine.Run(ctx, ticks, rolls)
		close(done)
	}()

	ticks <- model.Tick{Symbol: "XY", Price: 99, TS: at(10, 0, 0), Vol24h: 1e9}
	ticks <- model.Tick{Symbol: "XY", Price: 101, TS: at(10, 0, 30), Vol24h: 1e9}
	close(ticks)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not drain")
	}

	if got := rig.drain(); len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
}
