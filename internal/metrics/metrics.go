package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the alert engine.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksConflated   prometheus.Counter
	TicksOutOfOrder  prometheus.Counter
	WSReconnects     prometheus.Counter
	WSParseErrors    prometheus.Counter
	ConflatorPending prometheus.Gauge

	// Evaluation
	EvaluationsTotal  prometheus.Counter
	TriggersAdmitted  prometheus.Counter
	TriggersThrottled prometheus.Counter
	WarmingUpSkips    prometheus.Counter
	EvalDur           prometheus.Histogram

	// Trigger path
	JournalAppends  prometheus.Counter
	JournalSyncDur  prometheus.Histogram
	FanoutDrops     *prometheus.CounterVec // labels: subscriber
	ChannelFillPct  *prometheus.GaugeVec   // labels: channel_name
	PublishFailures prometheus.Counter

	// Storage
	SQLiteCommitDur  prometheus.Histogram
	ArchiveDropped   prometheus.Counter
	RedisBreakerOpen prometheus.Gauge // 0=closed, 1=open, 2=half-open

	// Scheduler
	BucketRolls *prometheus.CounterVec // labels: tf
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_ticks_total",
			Help: "Total ticks received from the upstream WebSocket",
		}),
		TicksConflated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_ticks_conflated_total",
			Help: "Ticks overwritten by a newer tick for the same symbol before evaluation",
		}),
		TicksOutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_ticks_out_of_order_total",
			Help: "Ticks dropped because their timestamp regressed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_ws_reconnects_total",
			Help: "Total upstream WebSocket reconnection attempts",
		}),
		WSParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_ws_parse_errors_total",
			Help: "Frames skipped due to malformed payloads",
		}),
		ConflatorPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertd_conflator_pending",
			Help: "Symbols currently held in the conflation buffer",
		}),

		EvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_rule_evaluations_total",
			Help: "Total rule evaluations performed",
		}),
		TriggersAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_triggers_admitted_total",
			Help: "Trigger decisions admitted by the throttle gate",
		}),
		TriggersThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_triggers_throttled_total",
			Help: "Trigger decisions suppressed by the throttle gate",
		}),
		WarmingUpSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_warming_up_skips_total",
			Help: "Evaluations skipped because an indicator lacked history",
		}),
		EvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertd_eval_duration_seconds",
			Help:    "Per-tick rule evaluation latency",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		JournalAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_journal_appends_total",
			Help: "Trigger events appended to the journal",
		}),
		JournalSyncDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertd_journal_sync_duration_seconds",
			Help:    "Journal fsync latency",
			Buckets: prometheus.DefBuckets,
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_fanout_drops_total",
			Help: "Trigger events shed per slow subscriber",
		}, []string{"subscriber"}),
		ChannelFillPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertd_channel_fill_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_publish_failures_total",
			Help: "Trigger events that failed to mirror to redis pub/sub",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertd_sqlite_commit_duration_seconds",
			Help:    "SQLite candle batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_archive_dropped_total",
			Help: "Closed candles dropped because the archive queue was full",
		}),
		RedisBreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertd_redis_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		BucketRolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_bucket_rolls_total",
			Help: "Bucket boundary rolls processed (by timeframe)",
		}, []string{"tf"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksConflated,
		m.TicksOutOfOrder,
		m.WSReconnects,
		m.WSParseErrors,
		m.ConflatorPending,
		m.EvaluationsTotal,
		m.TriggersAdmitted,
		m.TriggersThrottled,
		m.WarmingUpSkips,
		m.EvalDur,
		m.JournalAppends,
		m.JournalSyncDur,
		m.FanoutDrops,
		m.ChannelFillPct,
		m.PublishFailures,
		m.SQLiteCommitDur,
		m.ArchiveDropped,
		m.RedisBreakerOpen,
		m.BucketRolls,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	JournalOK      bool      `json:"journal_ok"`
	ActiveRules    int       `json:"active_rules"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		JournalOK: true,
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetJournalOK(v bool) {
	h.mu.Lock()
	h.JournalOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveRules(n int) {
	h.mu.Lock()
	h.ActiveRules = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// The journal is the ground truth for emitted triggers, so losing it
	// dominates the overall status.
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.JournalOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		JournalOK       bool    `json:"journal_ok"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		ActiveRules     int     `json:"active_rules"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		JournalOK:       h.JournalOK,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ActiveRules:     h.ActiveRules,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
