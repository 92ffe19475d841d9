// cmd/alertd is the alert engine service.
//
// Pipeline: [upstream WS] → [conflator] → [engine shards] → [throttle gate]
// → [journal] → [fan-out: WS clients, redis pub/sub]. Closed candles flow to
// the in-memory store and the sqlite archive; the scheduler drives bucket
// rolls; the HTTP API serves candles, rule events, statuses and replay.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"tickalert/config"
	"tickalert/internal/alertindex"
	"tickalert/internal/api"
	"tickalert/internal/bus"
	"tickalert/internal/candlestore"
	"tickalert/internal/engine"
	"tickalert/internal/ingest"
	"tickalert/internal/journal"
	"tickalert/internal/logger"
	"tickalert/internal/metrics"
	"tickalert/internal/model"
	"tickalert/internal/notification"
	"tickalert/internal/pricecache"
	"tickalert/internal/scheduler"
	redisstore "tickalert/internal/store/redis"
	sqlitestore "tickalert/internal/store/sqlite"
	"tickalert/internal/throttle"
	"tickalert/internal/warmup"
)

const (
	// upstreamStartupTimeout bounds how long the service waits for the first
	// tick before giving up on the upstream entirely.
	upstreamStartupTimeout = 60 * time.Second

	// warmupRuleWait bounds how long warm-up waits for the external rule
	// store to push its initial bulkLoad.
	warmupRuleWait = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("alertd", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	log.Println("[alertd] starting...")

	cfg := config.Load()
	tfs := cfg.ParseTimeframes()
	log.Printf("[alertd] active timeframes: %v", tfs)

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Journal (ground truth for emitted triggers) ----
	jnl, err := journal.Open(cfg.JournalDir)
	if err != nil {
		log.Fatalf("[alertd] journal init failed: %v", err)
	}
	defer jnl.Close()
	jnl.OnAppend = func(model.TriggerEvent) {
		prom.JournalAppends.Inc()
	}
	jnl.OnSync = func(d time.Duration) {
		prom.JournalSyncDur.Observe(d.Seconds())
	}
	go jnl.Run(ctx)
	log.Printf("[alertd] journal ready at %s (%d events)", cfg.JournalDir, jnl.Len())

	// ---- SQLite candle archive (off hot path) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	archive, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[alertd] sqlite init failed: %v", err)
	}
	defer archive.Close()
	archive.OnCommit = func(d time.Duration) {
		prom.SQLiteCommitDur.Observe(d.Seconds())
	}
	go archive.Run(ctx)
	health.SetSQLiteOK(true)

	// ---- Trigger bus ----
	trig := bus.New(jnl, 256)
	trig.OnDrop = func(subscriberIdx int) {
		prom.FanoutDrops.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}
	trig.OnEmit = func(model.TriggerEvent) {
		prom.TriggersAdmitted.Inc()
	}

	// ---- Redis pub/sub mirror (optional) ----
	var pub *redisstore.Publisher
	if cfg.PubSubURL != "" {
		pub, err = redisstore.New(redisstore.Config{
			Addr:     cfg.PubSubURL,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[alertd] WARNING: redis init failed: %v (continuing journal-only)", err)
			health.SetRedisConnected(false)
		} else {
			defer pub.Close()
			trig.SetPublisher(pub)
			health.SetRedisConnected(true)
		}
	}
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), archive.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, archive.DB(), 10*time.Second)
	}

	// ---- Core state ----
	cache := pricecache.New(tfs)
	store := candlestore.New(cfg.RingCapacity)
	index := alertindex.New()
	gate := throttle.New()

	// ---- Engine ----
	eng := engine.New(engine.Config{Shards: cfg.MaxShards}, cache, store, index, gate, trig, archive)
	eng.OnTickApplied = func(string) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	eng.OnOutOfOrder = func(string) {
		prom.TicksOutOfOrder.Inc()
	}
	eng.OnEvaluated = func(_ model.RuleID, d time.Duration) {
		prom.EvaluationsTotal.Inc()
		prom.EvalDur.Observe(d.Seconds())
	}
	eng.OnWarmingUp = func(model.RuleID) {
		prom.WarmingUpSkips.Inc()
	}
	eng.OnSuppressed = func(model.RuleID) {
		prom.TriggersThrottled.Inc()
	}

	// ---- Conflation between ingest and the shards ----
	rawTicks := make(chan model.Tick, 10000)
	ticks := make(chan model.Tick, 1024)
	conflator := ingest.NewConflator()
	conflator.OnConflated = func(string) {
		prom.TicksConflated.Inc()
	}
	go conflator.Run(ctx, rawTicks, ticks)

	// ---- Boundary scheduler ----
	sched := scheduler.New(tfs)
	rollsIn := sched.Subscribe(16)
	rolls := make(chan model.BucketRoll, 16)
	go func() {
		defer close(rolls)
		for roll := range rollsIn {
			prom.BucketRolls.WithLabelValues(string(roll.Timeframe)).Inc()
			select {
			case rolls <- roll:
			case <-ctx.Done():
				return
			}
		}
	}()
	go sched.Run(ctx)

	go eng.Run(ctx, ticks, rolls)

	// ---- Warm-up (after the rule store pushes its initial rules) ----
	if cfg.WarmupURL != "" {
		fetcher, err := warmup.New(warmup.Config{BaseURL: cfg.WarmupURL, Depth: cfg.WarmupDepth}, archive)
		if err != nil {
			log.Fatalf("[alertd] warmup init failed: %v", err)
		}
		go func() {
			deadline := time.Now().Add(warmupRuleWait)
			for index.Len() == 0 && time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			series := warmup.SeriesForRules(index.All())
			if len(series) == 0 {
				log.Println("[alertd] warmup: no indicator series to fetch")
				return
			}
			if err := fetcher.Warm(ctx, store, series); err != nil {
				log.Printf("[alertd] warmup aborted: %v", err)
			}
		}()
	}

	// ---- Upstream ingest ----
	ing, err := ingest.New(ingest.Config{URL: cfg.UpstreamWSURL})
	if err != nil {
		log.Fatalf("[alertd] ingest init failed: %v", err)
	}
	ing.OnReconnect = func() {
		prom.WSReconnects.Inc()
	}
	ing.OnParseError = func(error) {
		prom.WSParseErrors.Inc()
	}
	health.SetWSConnected(true)
	go func() {
		if err := ing.Start(ctx, rawTicks); err != nil {
			log.Printf("[alertd] ingest error: %v", err)
			health.SetWSConnected(false)
		}
	}()

	// Exit 2 if the upstream never produced a tick within the startup window.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(upstreamStartupTimeout):
		}
		if cache.Len() == 0 {
			log.Printf("[alertd] no ticks from %s within %v, giving up", cfg.UpstreamWSURL, upstreamStartupTimeout)
			os.Exit(2)
		}
	}()

	// ---- Notification sink (optional) ----
	var notifiers []notification.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(notifiers) > 0 {
		sink := notification.NewSink(notifiers...)
		sink.OnSendFailed = func(model.TriggerEvent, error) {
			prom.PublishFailures.Inc()
		}
		go sink.Run(ctx, trig.Subscribe())
		log.Printf("[alertd] notification sink active (%d channels)", len(notifiers))
	}

	// ---- HTTP API + trigger WebSocket ----
	apiSrv := api.New(cfg.ListenAddr, cache, store, archive, index, eng, jnl, health)
	apiSrv.Start(ctx, trig.Subscribe())

	// ---- Periodic saturation/health gauges ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, s := range trig.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelFillPct.WithLabelValues("trigger_" + strconv.Itoa(i)).Set(pct)
					}
				}
				prom.ConflatorPending.Set(float64(conflator.Pending()))
				if pub != nil {
					prom.RedisBreakerOpen.Set(float64(pub.BreakerState()))
				}
				health.SetActiveRules(index.Len())
			}
		}
	}()

	log.Printf("[alertd] ready: api=%s metrics=%s upstream=%s shards=%d",
		cfg.ListenAddr, cfg.MetricsAddr, cfg.UpstreamWSURL, cfg.MaxShards)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[alertd] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	trig.Close()
	if err := jnl.Sync(); err != nil {
		log.Printf("[alertd] final journal sync: %v", err)
	}

	log.Println("[alertd] shutdown complete.")
}
