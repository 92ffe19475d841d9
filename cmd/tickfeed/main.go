// cmd/tickfeed is a simulated upstream mini-ticker feed.
// Broadcasts Binance-style mini-ticker JSON frames over WebSocket so alertd
// can run offline without a real exchange connection.
//
// Frame shape matches the live stream (numeric fields as decimal strings):
//
//	{"s":"BTCUSDT","c":"64210.5","o":"64000.0","h":"64400.0","l":"63900.0",
//	 "v":"812.4","q":"52012345.8","E":1710324000123}
//
// Config (env vars):
//
//	TICKFEED_ADDR         listen address (default ":9001")
//	TICKFEED_SYMBOLS      comma-separated SYMBOL:STARTPRICE pairs
//	                      (default "BTCUSDT:64000,ETHUSDT:3000")
//	TICKFEED_INTERVAL_MS  broadcast interval milliseconds (default "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tickerFrame mirrors the upstream mini-ticker wire format.
type tickerFrame struct {
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	BaseVol   string `json:"v"`
	QuoteVol  string `json:"q"`
	EventTime int64  `json:"E"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol   string
	Price    float64
	Open24h  float64
	High24h  float64
	Low24h   float64
	BaseVol  float64 // rolling 24h base volume
	QuoteVol float64 // rolling 24h quote volume
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop frame
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickfeed] upgrade error: %v", err)
			return
		}
		log.Printf("[tickfeed] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickfeed] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walk applies a small random step (±0.1%) to the price.
func walk(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next <= 0 {
		next = price
	}
	return next
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		// Every few intervals, send the whole set as one array frame like
		// the live !miniTicker@arr stream; otherwise single frames.
		batch := rand.Intn(4) == 0
		var frames []tickerFrame

		for i := range instruments {
			inst := &instruments[i]
			inst.Price = walk(inst.Price)
			if inst.Price > inst.High24h {
				inst.High24h = inst.Price
			}
			if inst.Price < inst.Low24h {
				inst.Low24h = inst.Price
			}
			base := rand.Float64() * 2
			inst.BaseVol += base
			inst.QuoteVol += base * inst.Price

			f := tickerFrame{
				Symbol:    inst.Symbol,
				Close:     fmtF(inst.Price),
				Open:      fmtF(inst.Open24h),
				High:      fmtF(inst.High24h),
				Low:       fmtF(inst.Low24h),
				BaseVol:   fmtF(inst.BaseVol),
				QuoteVol:  fmtF(inst.QuoteVol),
				EventTime: time.Now().UnixMilli(),
			}
			if batch {
				frames = append(frames, f)
				continue
			}
			if b, err := json.Marshal(f); err == nil {
				h.broadcast(b)
			}
		}

		if batch {
			if b, err := json.Marshal(frames); err == nil {
				h.broadcast(b)
			}
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickfeed] starting simulated mini-ticker feed...")

	addr := envOrDefault("TICKFEED_ADDR", ":9001")
	symbolsEnv := envOrDefault("TICKFEED_SYMBOLS", "BTCUSDT:64000,ETHUSDT:3000")
	intervalMs := envIntOrDefault("TICKFEED_INTERVAL_MS", 250)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickfeed] no symbols configured via TICKFEED_SYMBOLS")
	}
	log.Printf("[tickfeed] symbols: %v", symbolsEnv)
	log.Printf("[tickfeed] broadcast interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickfeed"}`)
	})

	log.Printf("[tickfeed] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickfeed] server error: %v", err)
	}
}

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickfeed] skipping invalid symbol spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Printf("[tickfeed] skipping symbol %q: bad start price", part)
			continue
		}
		result = append(result, instrument{
			Symbol:  strings.ToUpper(strings.TrimSpace(seg[0])),
			Price:   price,
			Open24h: price,
			High24h: price,
			Low24h:  price,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
