package config

import (
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"

	"tickalert/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Servers
	ListenAddr  string
	MetricsAddr string

	// Upstream market data
	UpstreamWSURL string
	WarmupURL     string
	WarmupDepth   int

	// Storage
	JournalDir string
	SQLitePath string

	// Redis mirror (optional; empty disables it)
	PubSubURL     string
	RedisPassword string

	// Notification channels (optional; empty disables a channel)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	// Engine sizing
	RingCapacity int
	MaxShards    int

	// Active timeframes (comma-separated, e.g. "1m,5m,1h")
	Timeframes string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":5000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		UpstreamWSURL: mustEnv("UPSTREAM_WS_URL"),
		WarmupURL:     getEnv("WARMUP_URL", ""),
		WarmupDepth:   getEnvInt("WARMUP_DEPTH", 200),

		JournalDir: getEnv("JOURNAL_DIR", "data/journal"),
		SQLitePath: getEnv("SQLITE_PATH", "data/candles.db"),

		PubSubURL:     getEnv("PUBSUB_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RingCapacity: getEnvInt("RING_CAPACITY", 256),
		MaxShards:    getEnvInt("MAX_SHARDS", runtime.NumCPU()),

		Timeframes: getEnv("TIMEFRAMES", ""),
	}
}

// ParseTimeframes parses the Timeframes string into validated timeframes.
// An empty setting enables every supported timeframe.
func (c *Config) ParseTimeframes() []model.Timeframe {
	if strings.TrimSpace(c.Timeframes) == "" {
		return model.AllTimeframes()
	}
	parts := strings.Split(c.Timeframes, ",")
	tfs := make([]model.Timeframe, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tf, err := model.ParseTimeframe(p)
		if err != nil {
			log.Printf("[config] skipping invalid timeframe: %q", p)
			continue
		}
		tfs = append(tfs, tf)
	}
	if len(tfs) == 0 {
		return model.AllTimeframes()
	}
	return tfs
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
