// Package ingest connects to the upstream mini-ticker WebSocket stream,
// normalizes raw frames into model.Tick values, and conflates them per
// symbol so a slow evaluation stage always sees the freshest price.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tickalert/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the WebSocket ingest.
type Config struct {
	// URL of the mini-ticker stream, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// miniTicker is the upstream wire format. Numeric fields arrive as strings.
type miniTicker struct {
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	BaseVol   string `json:"v"`
	QuoteVol  string `json:"q"`
	EventTime int64  `json:"E"` // Unix milliseconds
}

// Ingest maintains the upstream connection and emits normalized ticks.
type Ingest struct {
	cfg Config

	mu       sync.Mutex
	lastQVol map[string]float64 // per-symbol rolling 24h quote volume
	resync   map[string]bool    // symbols needing a resync flag after reconnect

	// OnReconnect is called each time a reconnection happens (optional).
	OnReconnect func()
	// OnParseError is called for frames that fail to decode (optional).
	OnParseError func(err error)
}

// New creates a new Ingest. Returns an error if the URL is unparseable.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("ingest url: %w", err)
	}
	return &Ingest{
		cfg:      cfg,
		lastQVol: make(map[string]float64),
		resync:   make(map[string]bool),
	}, nil
}

// Start connects to the upstream and streams ticks into tickCh. Blocks until
// ctx is cancelled. Reconnects automatically with exponential backoff.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		err := ing.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}

		// A connection that held for a while resets the backoff.
		if time.Since(start) > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.ReconnectDelay
		}

		log.Printf("[ingest] disconnected (%v), reconnecting in %s...", err, delay)
		ing.markResyncAll()
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancellation.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[ingest] connected to %s", ing.cfg.URL)

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		ticks, err := ing.parseFrame(raw)
		if err != nil {
			if ing.OnParseError != nil {
				ing.OnParseError(err)
			} else {
				log.Printf("[ingest] parse error: %v (raw: %.200s)", err, raw)
			}
			continue
		}

		for _, tick := range ticks {
			select {
			case tickCh <- tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// parseFrame decodes either a bulk array of mini-tickers or a single object.
func (ing *Ingest) parseFrame(raw []byte) ([]model.Tick, error) {
	var batch []miniTicker
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var one miniTicker
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		batch = append(batch, one)
	}

	ticks := make([]model.Tick, 0, len(batch))
	for _, mt := range batch {
		tick, err := ing.normalize(mt)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// normalize converts one mini-ticker into a Tick. The per-tick volume delta
// is derived from the rolling 24h quote volume; a negative delta (the
// rolling window sliding, or a feed restart) is clamped to zero.
func (ing *Ingest) normalize(mt miniTicker) (model.Tick, error) {
	if mt.Symbol == "" {
		return model.Tick{}, fmt.Errorf("ticker with empty symbol")
	}
	price, err := parseFloat("c", mt.Close)
	if err != nil {
		return model.Tick{}, err
	}
	open24h, err := parseFloat("o", mt.Open)
	if err != nil {
		return model.Tick{}, err
	}
	high24h, err := parseFloat("h", mt.High)
	if err != nil {
		return model.Tick{}, err
	}
	low24h, err := parseFloat("l", mt.Low)
	if err != nil {
		return model.Tick{}, err
	}
	qvol, err := parseFloat("q", mt.QuoteVol)
	if err != nil {
		return model.Tick{}, err
	}

	ing.mu.Lock()
	prevQVol, seen := ing.lastQVol[mt.Symbol]
	ing.lastQVol[mt.Symbol] = qvol
	resync := ing.resync[mt.Symbol]
	delete(ing.resync, mt.Symbol)
	ing.mu.Unlock()

	var delta float64
	if seen && !resync {
		delta = qvol - prevQVol
		if delta < 0 {
			delta = 0
		}
	}

	ts := time.UnixMilli(mt.EventTime).UTC()
	if mt.EventTime == 0 {
		ts = time.Now().UTC()
	}

	return model.Tick{
		Symbol:  mt.Symbol,
		Price:   price,
		Volume:  delta,
		TS:      ts,
		Open24h: open24h,
		High24h: high24h,
		Low24h:  low24h,
		Vol24h:  qvol,
		Resync:  resync,
	}, nil
}

func (ing *Ingest) markResyncAll() {
	ing.mu.Lock()
	for sym := range ing.lastQVol {
		ing.resync[sym] = true
	}
	ing.mu.Unlock()
}

func parseFloat(field, s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("field %q empty", field)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", field, err)
	}
	return v, nil
}
