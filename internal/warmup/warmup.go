// Package warmup populates the candle store at startup: for every
// (symbol, timeframe) series an active rule depends on, it fetches recent
// closed candles from the exchange REST API, falling back to the local
// sqlite archive when the exchange is unreachable. Series that cannot be
// warmed are skipped; rules depending on them stay warming_up.
package warmup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tickalert/internal/candlestore"
	"tickalert/internal/model"
)

const (
	defaultDepth     = 200
	perSeriesTimeout = 15 * time.Second
	maxAttempts      = 3
	initialBackoff   = time.Second
)

// Fallback serves candles from local storage when the exchange fetch fails.
type Fallback interface {
	LastN(symbol string, tf model.Timeframe, n int) ([]model.Candle, error)
}

// Config configures the fetcher.
type Config struct {
	// BaseURL of the exchange REST API, e.g. "https://api.exchange.example".
	BaseURL string

	// Depth is how many candles to fetch per series. Defaults to 200.
	Depth int

	// Backoff is the initial retry delay. Defaults to 1s.
	Backoff time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Fetcher loads warm-up history into a candle store.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	fallback Fallback // optional

	// OnSeriesFailed is called when a series could not be warmed (optional).
	OnSeriesFailed func(symbol string, tf model.Timeframe, err error)
}

// New creates a fetcher. fallback may be nil.
func New(cfg Config, fallback Fallback) (*Fetcher, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("warmup base url: %w", err)
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = initialBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: perSeriesTimeout}
	}
	return &Fetcher{cfg: cfg, client: client, fallback: fallback}, nil
}

// Series identifies one warm-up target.
type Series struct {
	Symbol    string
	Timeframe model.Timeframe
}

// SeriesForRules collects the distinct (symbol, timeframe) series the given
// rules depend on.
func SeriesForRules(rules []*model.Rule) []Series {
	seen := map[Series]bool{}
	var out []Series
	for _, r := range rules {
		if !r.Active {
			continue
		}
		for _, tf := range r.SeriesDeps() {
			s := Series{Symbol: r.Symbol, Timeframe: tf}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Warm fetches every series and seeds the store. Failed series are reported
// through OnSeriesFailed and skipped; Warm itself only fails on ctx
// cancellation.
func (f *Fetcher) Warm(ctx context.Context, store *candlestore.Store, series []Series) error {
	for _, s := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		candles, err := f.fetchSeries(ctx, s)
		if err != nil {
			if f.fallback != nil {
				if local, lerr := f.fallback.LastN(s.Symbol, s.Timeframe, f.cfg.Depth); lerr == nil && len(local) > 0 {
					log.Printf("[warmup] %s %s: exchange fetch failed (%v), seeded %d candles from archive",
						s.Symbol, s.Timeframe, err, len(local))
					store.Seed(s.Symbol, s.Timeframe, local)
					continue
				}
			}
			log.Printf("[warmup] %s %s: skipped (%v)", s.Symbol, s.Timeframe, err)
			if f.OnSeriesFailed != nil {
				f.OnSeriesFailed(s.Symbol, s.Timeframe, err)
			}
			continue
		}
		store.Seed(s.Symbol, s.Timeframe, candles)
		log.Printf("[warmup] %s %s: seeded %d candles", s.Symbol, s.Timeframe, len(candles))
	}
	return nil
}

// fetchSeries retries the exchange fetch with exponential backoff.
func (f *Fetcher) fetchSeries(ctx context.Context, s Series) ([]model.Candle, error) {
	backoff := f.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, perSeriesTimeout)
		candles, err := f.fetchOnce(reqCtx, s)
		cancel()
		if err == nil {
			return candles, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, s Series) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", s.Symbol)
	q.Set("interval", string(s.Timeframe))
	q.Set("limit", strconv.Itoa(f.cfg.Depth))
	reqURL := f.cfg.BaseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines status %d: %.200s", resp.StatusCode, raw)
	}
	return ParseKlines(s.Symbol, s.Timeframe, raw)
}

// ParseKlines decodes the exchange kline payload: an array of arrays
// [openTimeMs, "open", "high", "low", "close", "baseVolume", closeTimeMs,
// "quoteVolume", ...]. Quote volume is used, matching the tick pipeline.
func ParseKlines(symbol string, tf model.Timeframe, raw []byte) ([]model.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 8 {
			return nil, fmt.Errorf("kline row %d: %d fields", i, len(row))
		}
		var openMs, closeMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("kline row %d openTime: %w", i, err)
		}
		if err := json.Unmarshal(row[6], &closeMs); err != nil {
			return nil, fmt.Errorf("kline row %d closeTime: %w", i, err)
		}
		open, err := klineFloat(row[1])
		if err != nil {
			return nil, fmt.Errorf("kline row %d open: %w", i, err)
		}
		high, err := klineFloat(row[2])
		if err != nil {
			return nil, fmt.Errorf("kline row %d high: %w", i, err)
		}
		low, err := klineFloat(row[3])
		if err != nil {
			return nil, fmt.Errorf("kline row %d low: %w", i, err)
		}
		closePrice, err := klineFloat(row[4])
		if err != nil {
			return nil, fmt.Errorf("kline row %d close: %w", i, err)
		}
		quoteVol, err := klineFloat(row[7])
		if err != nil {
			return nil, fmt.Errorf("kline row %d quote volume: %w", i, err)
		}

		openTime := time.UnixMilli(openMs).UTC()
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  openTime,
			CloseTime: openTime.Add(tf.Duration()),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    quoteVol,
		})
	}
	return candles, nil
}

func klineFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}
