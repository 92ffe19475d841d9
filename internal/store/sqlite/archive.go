// Package sqlite persists closed candles for long-term history and serves
// warm-up reads when the exchange fetch is unavailable. A single connection
// in WAL mode takes batched inserts from the engine; reads are rare (startup
// and the candles API).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"tickalert/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = 500 * time.Millisecond
	appendBuffer      = 4096
)

// Config configures the archive.
type Config struct {
	DBPath string // e.g. "data/candles.db"
}

// Archive is a single-goroutine SQLite candle writer with transaction
// batching. Append never blocks the caller.
type Archive struct {
	db *sql.DB
	ch chan model.Candle

	// OnCommit is called after each committed batch with its duration (optional).
	OnCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// New opens (or creates) the archive database in WAL mode.
func New(cfg Config) (*Archive, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened archive at %s", cfg.DBPath)
	return &Archive{db: db, ch: make(chan model.Candle, appendBuffer)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			tf         TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			PRIMARY KEY (symbol, tf, open_time)
		);
	`)
	return err
}

// Append enqueues a candle for the batch writer. If the queue is full the
// candle is dropped with a log line; archival is best effort, the in-memory
// ring in the candle store stays authoritative for evaluation.
func (a *Archive) Append(c model.Candle) {
	select {
	case a.ch <- c:
	default:
		log.Printf("[sqlite] append queue full, dropping %s @ %d", c.Key(), c.OpenTime.Unix())
	}
}

// Run drains the append queue into batched transactions. Flushes every
// defaultBatchSize candles or every defaultFlushDelay, whichever comes
// first. Blocks until ctx is cancelled.
func (a *Archive) Run(ctx context.Context) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.insertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error (%d candles): %v", len(batch), err)
		} else if a.OnCommit != nil {
			a.OnCommit(time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c := <-a.ch:
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (a *Archive) insertBatch(candles []model.Candle) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, tf, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(c.Symbol, string(c.Timeframe), c.OpenTime.Unix(), c.CloseTime.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LastN returns the most recent n candles for a series in ascending
// openTime order. Used as the warm-up fallback when the exchange fetch
// fails, and by the candles read API.
func (a *Archive) LastN(symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	rows, err := a.db.Query(`
		SELECT symbol, tf, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND tf = ?
		ORDER BY open_time DESC
		LIMIT ?
	`, symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var tfStr string
		var openUnix, closeUnix int64
		if err := rows.Scan(&c.Symbol, &tfStr, &openUnix, &closeUnix,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Timeframe = model.Timeframe(tfStr)
		c.OpenTime = time.Unix(openUnix, 0).UTC()
		c.CloseTime = time.Unix(closeUnix, 0).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// LastOpenTime returns the newest stored open time for a series, or zero
// time when the series is empty.
func (a *Archive) LastOpenTime(symbol string, tf model.Timeframe) (time.Time, error) {
	var ts sql.NullInt64
	err := a.db.QueryRow(
		`SELECT MAX(open_time) FROM candles WHERE symbol = ? AND tf = ?`,
		symbol, string(tf),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Close flushes nothing further (Run handles the final flush) and closes
// the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
