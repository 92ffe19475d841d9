// Package api is the HTTP surface of the alert service: chart candle reads,
// rule change-event ingestion, rule status, journal replay queries, health,
// and a WebSocket trigger stream. The rule store itself is external; POST
// /api/rules only ingests its change events into the in-memory index.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"tickalert/internal/alertindex"
	"tickalert/internal/candlestore"
	"tickalert/internal/engine"
	"tickalert/internal/journal"
	"tickalert/internal/model"
	"tickalert/internal/pricecache"
)

const (
	defaultCandleCount = 100
	maxCandleCount     = 1000
)

// CandleSource serves historical candles beyond the in-memory window.
type CandleSource interface {
	LastN(symbol string, tf model.Timeframe, n int) ([]model.Candle, error)
}

// Server is the HTTP API server.
type Server struct {
	cache   *pricecache.Cache
	store   *candlestore.Store
	archive CandleSource // optional
	index   *alertindex.Index
	engine  *engine.Engine
	jnl     *journal.Journal
	hub     *hub
	health  http.Handler // optional
	srv     *http.Server
}

// New creates the API server. archive and health may be nil.
func New(addr string, cache *pricecache.Cache, store *candlestore.Store,
	archive CandleSource, index *alertindex.Index, eng *engine.Engine,
	jnl *journal.Journal, health http.Handler) *Server {

	s := &Server{
		cache:   cache,
		store:   store,
		archive: archive,
		index:   index,
		engine:  eng,
		jnl:     jnl,
		hub:     newHub(),
		health:  health,
	}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler builds the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/candles", s.handleCandles)
	mux.HandleFunc("/api/rules", s.handleRules)
	mux.HandleFunc("/api/rules/status", s.handleRuleStatus)
	mux.HandleFunc("/api/triggers", s.handleTriggers)
	mux.HandleFunc("/ws", s.hub.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			s.health.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start launches the server and the trigger stream pump.
func (s *Server) Start(ctx context.Context, triggers <-chan model.TriggerEvent) {
	go s.hub.run(ctx, triggers)
	go func() {
		log.Printf("[api] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// GET /api/candles?symbol=BTCUSDT&tf=1m&count=100
// Returns closed candles, ascending by open time. Falls back to the sqlite
// archive when the in-memory window is shorter than requested.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		httpError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	tf, err := model.ParseTimeframe(r.URL.Query().Get("tf"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	count := defaultCandleCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	if count > maxCandleCount {
		count = maxCandleCount
	}

	candles := s.store.LastN(symbol, tf, count)
	if len(candles) < count && s.archive != nil {
		if archived, err := s.archive.LastN(symbol, tf, count); err == nil && len(archived) > len(candles) {
			candles = archived
		}
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, candles)
}

// ruleChange is the change-event envelope pushed by the external rule store.
type ruleChange struct {
	Op    string       `json:"op"` // upsert | remove | bulkLoad
	Rule  *model.Rule  `json:"rule,omitempty"`
	ID    model.RuleID `json:"id,omitempty"`
	Rules []model.Rule `json:"rules,omitempty"`
}

// POST /api/rules
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var change ruleChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	switch change.Op {
	case "upsert":
		if change.Rule == nil {
			httpError(w, http.StatusBadRequest, "upsert needs a rule")
			return
		}
		rule := *change.Rule
		if err := validateRule(&rule); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.captureReferencePrice(&rule)
		s.index.Upsert(rule)

	case "remove":
		if change.ID == "" {
			httpError(w, http.StatusBadRequest, "remove needs an id")
			return
		}
		s.index.Remove(change.ID)
		s.engine.DropStatus(change.ID)

	case "bulkLoad":
		rules := make([]model.Rule, 0, len(change.Rules))
		for i := range change.Rules {
			rule := change.Rules[i]
			if err := validateRule(&rule); err != nil {
				httpError(w, http.StatusBadRequest, fmt.Sprintf("rule %s: %v", rule.ID, err))
				return
			}
			s.captureReferencePrice(&rule)
			rules = append(rules, rule)
		}
		s.index.BulkLoad(rules)

	default:
		httpError(w, http.StatusBadRequest, "op must be upsert, remove or bulkLoad")
		return
	}

	writeJSON(w, map[string]any{"status": "ok", "rules": s.index.Len()})
}

// ruleStatusEntry is one row of the status map.
type ruleStatusEntry struct {
	ID     model.RuleID     `json:"id"`
	Symbol string           `json:"symbol"`
	Active bool             `json:"active"`
	Status model.RuleStatus `json:"status"`
}

// GET /api/rules/status
func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	rules := s.index.All()
	out := make([]ruleStatusEntry, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleStatusEntry{
			ID:     rule.ID,
			Symbol: rule.Symbol,
			Active: rule.Active,
			Status: s.engine.RuleStatus(rule),
		})
	}
	writeJSON(w, out)
}

// GET /api/triggers?symbol=BTCUSDT&since=...&until=...
// Replays journaled trigger events in append order.
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	q := r.URL.Query()
	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}

	events, err := s.jnl.Query(q.Get("symbol"), since, until)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []model.TriggerEvent{}
	}
	writeJSON(w, events)
}

// captureReferencePrice resolves the creation-time baseline for percent
// rules. The captured price stays pinned across edits; it is re-captured
// only when the rule's symbol changed.
func (s *Server) captureReferencePrice(rule *model.Rule) {
	t := rule.Target
	if t == nil || t.Kind != model.TargetPercent || t.BaselineMode != model.BaselineCreation {
		return
	}
	if prev, ok := s.index.Get(rule.ID); ok && prev.Symbol == rule.Symbol &&
		prev.Target != nil && prev.Target.ReferencePrice != 0 {
		t.ReferencePrice = prev.Target.ReferencePrice
		return
	}
	if t.ReferencePrice != 0 {
		return
	}
	if rec, ok := s.cache.Get(rule.Symbol); ok {
		t.ReferencePrice = rec.Price
	}
	// Symbol unknown: leave zero, the rule evaluates warming_up until the
	// baseline can be resolved.
}

func validateRule(r *model.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Symbol == "" {
		return fmt.Errorf("rule symbol is required")
	}
	if r.Target == nil && r.Shape == nil && r.RSI == nil && r.EMA == nil && r.VolumeSpike == nil {
		return fmt.Errorf("rule needs at least one predicate")
	}
	if t := r.Target; t != nil {
		if t.Kind != model.TargetPrice && t.Kind != model.TargetPercent {
			return fmt.Errorf("target kind %q unknown", t.Kind)
		}
		if t.Kind == model.TargetPercent && t.Value <= 0 {
			return fmt.Errorf("percent target value must be positive")
		}
		if t.BaselineTimeframe != "" && !t.BaselineTimeframe.Valid() {
			return fmt.Errorf("baseline timeframe %q unknown", t.BaselineTimeframe)
		}
	}
	if sh := r.Shape; sh != nil {
		if len(sh.Timeframes) == 0 {
			return fmt.Errorf("shape condition needs at least one timeframe")
		}
		for _, tf := range sh.Timeframes {
			if !tf.Valid() {
				return fmt.Errorf("shape timeframe %q unknown", tf)
			}
		}
	}
	if c := r.RSI; c != nil {
		if !c.Timeframe.Valid() {
			return fmt.Errorf("rsi timeframe %q unknown", c.Timeframe)
		}
		if c.Period < 2 {
			return fmt.Errorf("rsi period must be at least 2")
		}
		if c.Level < 0 || c.Level > 100 {
			return fmt.Errorf("rsi level must be in [0, 100]")
		}
	}
	if c := r.EMA; c != nil {
		if !c.Timeframe.Valid() {
			return fmt.Errorf("ema timeframe %q unknown", c.Timeframe)
		}
		if c.FastPeriod < 1 || c.SlowPeriod < 1 {
			return fmt.Errorf("ema periods must be positive")
		}
		if c.FastPeriod >= c.SlowPeriod {
			return fmt.Errorf("ema fast period must be shorter than slow")
		}
	}
	if c := r.VolumeSpike; c != nil {
		if c.Timeframe != "" && !c.Timeframe.Valid() {
			return fmt.Errorf("volume spike timeframe %q unknown", c.Timeframe)
		}
		if c.Multiplier <= 0 {
			return fmt.Errorf("volume spike multiplier must be positive")
		}
	}
	if r.Throttle.Timeframe != "" && !r.Throttle.Timeframe.Valid() {
		return fmt.Errorf("throttle timeframe %q unknown", r.Throttle.Timeframe)
	}
	return nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
