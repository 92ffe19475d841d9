package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickalert/internal/alertindex"
	"tickalert/internal/bus"
	"tickalert/internal/candlestore"
	"tickalert/internal/engine"
	"tickalert/internal/journal"
	"tickalert/internal/model"
	"tickalert/internal/pricecache"
	"tickalert/internal/throttle"

	"github.com/gorilla/websocket"
)

type apiRig struct {
	srv   *Server
	cache *pricecache.Cache
	store *candlestore.Store
	index *alertindex.Index
	jnl   *journal.Journal
	http  *httptest.Server
}

func newRig(t *testing.T) *apiRig {
	t.Helper()
	jnl, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	cache := pricecache.New(model.AllTimeframes())
	store := candlestore.New(256)
	index := alertindex.New()
	trig := bus.New(jnl, 64)
	eng := engine.New(engine.Config{Shards: 1}, cache, store, index, throttle.New(), trig, nil)

	srv := New(":0", cache, store, nil, index, eng, jnl, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiRig{srv: srv, cache: cache, store: store, index: index, jnl: jnl, http: ts}
}

func (r *apiRig) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(r.http.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (r *apiRig) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(r.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func priceRule(id, symbol string, level float64) map[string]any {
	return map[string]any{
		"op": "upsert",
		"rule": map[string]any{
			"id":        id,
			"symbol":    symbol,
			"direction": "above",
			"target":    map[string]any{"kind": "price", "value": level},
			"throttle":  map[string]any{"timeframe": "1h", "max_per_bucket": 1},
			"active":    true,
		},
	}
}

func TestRules_UpsertAndStatus(t *testing.T) {
	rig := newRig(t)

	resp := rig.post(t, "/api/rules", priceRule("r1", "BTCUSDT", 100))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Symbol unknown to the cache: the rule is dormant.
	var statuses []ruleStatusEntry
	rig.get(t, "/api/rules/status", &statuses)
	if len(statuses) != 1 || statuses[0].Status != model.StatusDormant {
		t.Fatalf("expected dormant, got %+v", statuses)
	}

	// First tick creates the symbol; the rule arms.
	rig.cache.Apply(model.Tick{
		Symbol: "BTCUSDT", Price: 50,
		TS: time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
	})
	rig.get(t, "/api/rules/status", &statuses)
	if statuses[0].Status != model.StatusArmed {
		t.Fatalf("expected armed, got %+v", statuses)
	}
}

func TestRules_ValidationErrors(t *testing.T) {
	rig := newRig(t)

	cases := []map[string]any{
		{"op": "nope"},
		{"op": "upsert"}, // missing rule
		{"op": "upsert", "rule": map[string]any{"id": "x", "symbol": "BTCUSDT"}}, // no predicate
		{"op": "upsert", "rule": map[string]any{
			"id": "x", "symbol": "BTCUSDT",
			"rsi": map[string]any{"timeframe": "2m", "period": 14, "condition": "above", "level": 70},
		}},
		{"op": "upsert", "rule": map[string]any{
			"id": "x", "symbol": "BTCUSDT",
			"ema": map[string]any{"timeframe": "1h", "fast_period": 21, "slow_period": 9, "condition": "above"},
		}},
		{"op": "remove"}, // missing id
	}
	for i, body := range cases {
		resp := rig.post(t, "/api/rules", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status %d, want 400", i, resp.StatusCode)
		}
	}
	if rig.index.Len() != 0 {
		t.Errorf("invalid rules must not be indexed, got %d", rig.index.Len())
	}
}

func TestRules_RemoveAndBulkLoad(t *testing.T) {
	rig := newRig(t)

	rig.post(t, "/api/rules", priceRule("r1", "BTCUSDT", 100)).Body.Close()
	rig.post(t, "/api/rules", map[string]any{"op": "remove", "id": "r1"}).Body.Close()
	if rig.index.Len() != 0 {
		t.Fatalf("remove: index len %d", rig.index.Len())
	}

	resp := rig.post(t, "/api/rules", map[string]any{
		"op": "bulkLoad",
		"rules": []map[string]any{
			priceRule("a", "BTCUSDT", 1)["rule"].(map[string]any),
			priceRule("b", "ETHUSDT", 2)["rule"].(map[string]any),
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rig.index.Len() != 2 {
		t.Fatalf("bulkLoad: status %d, len %d", resp.StatusCode, rig.index.Len())
	}
}

func TestRules_ReferencePricePinnedAcrossEdits(t *testing.T) {
	rig := newRig(t)
	rig.cache.Apply(model.Tick{
		Symbol: "BTCUSDT", Price: 100,
		TS: time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
	})

	percentRule := func(symbol string, value float64) map[string]any {
		return map[string]any{
			"op": "upsert",
			"rule": map[string]any{
				"id": "p1", "symbol": symbol, "active": true,
				"target": map[string]any{
					"kind": "percent", "value": value,
					"baseline_mode": "creation_price",
				},
			},
		}
	}

	rig.post(t, "/api/rules", percentRule("BTCUSDT", 5)).Body.Close()
	r, _ := rig.index.Get("p1")
	if r.Target.ReferencePrice != 100 {
		t.Fatalf("captured reference: %v", r.Target.ReferencePrice)
	}

	// Price moves, rule is edited: the reference stays pinned.
	rig.cache.Apply(model.Tick{
		Symbol: "BTCUSDT", Price: 200,
		TS: time.Date(2024, 3, 13, 10, 1, 0, 0, time.UTC),
	})
	rig.post(t, "/api/rules", percentRule("BTCUSDT", 10)).Body.Close()
	r, _ = rig.index.Get("p1")
	if r.Target.ReferencePrice != 100 {
		t.Fatalf("edit must not re-capture, got %v", r.Target.ReferencePrice)
	}

	// Changing the symbol re-captures from the new symbol's price.
	rig.cache.Apply(model.Tick{
		Symbol: "ETHUSDT", Price: 3000,
		TS: time.Date(2024, 3, 13, 10, 2, 0, 0, time.UTC),
	})
	rig.post(t, "/api/rules", percentRule("ETHUSDT", 10)).Body.Close()
	r, _ = rig.index.Get("p1")
	if r.Target.ReferencePrice != 3000 {
		t.Fatalf("symbol change must re-capture, got %v", r.Target.ReferencePrice)
	}
}

func TestCandles_QueryAscending(t *testing.T) {
	rig := newRig(t)
	open := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	var seed []model.Candle
	for i := 0; i < 3; i++ {
		o := open.Add(time.Duration(i) * time.Hour)
		seed = append(seed, model.Candle{
			Symbol: "BTCUSDT", Timeframe: model.TF1h,
			OpenTime: o, CloseTime: o.Add(time.Hour),
			Open: float64(100 + i), High: float64(101 + i),
			Low: float64(99 + i), Close: float64(100 + i), Volume: 10,
		})
	}
	rig.store.Seed("BTCUSDT", model.TF1h, seed)

	var candles []model.Candle
	rig.get(t, "/api/candles?symbol=BTCUSDT&tf=1h&count=10", &candles)
	if len(candles) != 3 {
		t.Fatalf("got %d candles", len(candles))
	}
	if !candles[0].OpenTime.Before(candles[2].OpenTime) {
		t.Errorf("candles must be ascending: %v .. %v", candles[0].OpenTime, candles[2].OpenTime)
	}

	resp := rig.get(t, "/api/candles?tf=1h", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing symbol: status %d", resp.StatusCode)
	}
	resp = rig.get(t, "/api/candles?symbol=X&tf=2m", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tf: status %d", resp.StatusCode)
	}
}

func TestTriggers_ReplayQuery(t *testing.T) {
	rig := newRig(t)
	firedAt := time.Date(2024, 3, 13, 10, 2, 0, 0, time.UTC)
	rig.jnl.Append(model.TriggerEvent{
		ID: "r1:1h:1710324000:0", RuleID: "r1", Symbol: "BTCUSDT",
		FiredAt: firedAt, PriceAtFiring: 100,
		BucketOpenTime:    time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
		ThrottleTimeframe: model.TF1h,
	})

	var events []model.TriggerEvent
	rig.get(t, "/api/triggers?symbol=BTCUSDT", &events)
	if len(events) != 1 || events[0].RuleID != "r1" {
		t.Fatalf("got %+v", events)
	}

	rig.get(t, "/api/triggers?symbol=ETHUSDT", &events)
	if len(events) != 0 {
		t.Errorf("symbol filter: got %d events", len(events))
	}

	resp := rig.get(t, "/api/triggers?since=not-a-time", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: status %d", resp.StatusCode)
	}
}

func TestWS_StreamsTriggerEvents(t *testing.T) {
	rig := newRig(t)

	events := make(chan model.TriggerEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.srv.hub.run(ctx, events)

	wsURL := "ws" + strings.TrimPrefix(rig.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the server side to register the client.
	deadline := time.Now().Add(time.Second)
	for {
		rig.srv.hub.mu.RLock()
		n := len(rig.srv.hub.clients)
		rig.srv.hub.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events <- model.TriggerEvent{
		ID: "r1:1h:1710324000:0", RuleID: "r1", Symbol: "BTCUSDT",
		FiredAt:           time.Date(2024, 3, 13, 10, 2, 0, 0, time.UTC),
		ThrottleTimeframe: model.TF1h,
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.TriggerEvent
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "r1:1h:1710324000:0" {
		t.Errorf("event id: %q", got.ID)
	}
}
