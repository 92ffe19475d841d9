// Package journal is the append-only trigger log: the ground truth for
// delivered alerts. Records are length-prefixed JSON; a sidecar index file
// maps trigger id → byte offset for O(1) lookup and idempotent appends.
// Durability is batched: the file is fsynced at most every flush interval.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickalert/internal/model"
)

const (
	logName   = "triggers.log"
	indexName = "triggers.idx"

	// defaultFlushInterval bounds how long an appended record may sit
	// unsynced.
	defaultFlushInterval = time.Second
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// Journal is a single-writer append-only store.
type Journal struct {
	mu      sync.Mutex
	dir     string
	logF    *os.File
	idxF    *os.File
	offsets map[string]int64 // trigger id → record offset
	end     int64            // current append offset
	dirty   bool
	closed  bool

	FlushInterval time.Duration

	// OnAppend is called for each new (non-duplicate) record (optional).
	OnAppend func(ev model.TriggerEvent)
	// OnSync is called after each effective fsync with its duration (optional).
	OnSync func(d time.Duration)
}

// Open opens (or creates) the journal in dir and loads the id index.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}

	logF, err := os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal open log: %w", err)
	}
	idxF, err := os.OpenFile(filepath.Join(dir, indexName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		logF.Close()
		return nil, fmt.Errorf("journal open index: %w", err)
	}

	j := &Journal{
		dir:           dir,
		logF:          logF,
		idxF:          idxF,
		offsets:       make(map[string]int64, 1024),
		FlushInterval: defaultFlushInterval,
	}
	if err := j.loadIndex(); err != nil {
		logF.Close()
		idxF.Close()
		return nil, err
	}

	end, err := logF.Seek(0, io.SeekEnd)
	if err != nil {
		logF.Close()
		idxF.Close()
		return nil, fmt.Errorf("journal seek: %w", err)
	}
	j.end = end

	log.Printf("[journal] opened %s (%d records, %d bytes)", dir, len(j.offsets), end)
	return j, nil
}

// loadIndex reads the sidecar: one "offset id" line per record.
func (j *Journal) loadIndex() error {
	if _, err := j.idxF.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("journal index seek: %w", err)
	}
	sc := bufio.NewScanner(j.idxF)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		off, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		j.offsets[parts[1]] = off
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("journal index read: %w", err)
	}
	return nil
}

// Append writes the event unless an entry with the same id already exists,
// in which case it is a no-op. The write is buffered by the OS until the
// next flush; call Run (or Sync) for durability.
func (j *Journal) Append(ev model.TriggerEvent) error {
	payload, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if _, exists := j.offsets[ev.ID]; exists {
		return nil
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	off := j.end
	if _, err := j.logF.WriteAt(hdr[:], off); err != nil {
		return fmt.Errorf("journal write header: %w", err)
	}
	if _, err := j.logF.WriteAt(payload, off+4); err != nil {
		return fmt.Errorf("journal write record: %w", err)
	}
	if _, err := fmt.Fprintf(j.idxF, "%d %s\n", off, ev.ID); err != nil {
		return fmt.Errorf("journal write index: %w", err)
	}

	j.end = off + 4 + int64(len(payload))
	j.offsets[ev.ID] = off
	j.dirty = true

	if j.OnAppend != nil {
		j.OnAppend(ev)
	}
	return nil
}

// Get returns the record with the given id.
func (j *Journal) Get(id string) (model.TriggerEvent, bool, error) {
	j.mu.Lock()
	off, ok := j.offsets[id]
	if !ok || j.closed {
		j.mu.Unlock()
		return model.TriggerEvent{}, false, nil
	}
	ev, err := j.readAt(off)
	j.mu.Unlock()
	if err != nil {
		return model.TriggerEvent{}, false, err
	}
	return ev, true, nil
}

// Has reports whether the id is already journaled.
func (j *Journal) Has(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.offsets[id]
	return ok
}

// Len returns the number of journaled records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.offsets)
}

// Query scans the log and returns events matching the filters, in append
// order. Zero-valued filters match everything.
func (j *Journal) Query(symbol string, since, until time.Time) ([]model.TriggerEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	var out []model.TriggerEvent
	var off int64
	for off < j.end {
		ev, next, err := j.readRecordAt(off)
		if err != nil {
			return nil, err
		}
		off = next
		if symbol != "" && ev.Symbol != symbol {
			continue
		}
		if !since.IsZero() && ev.FiredAt.Before(since) {
			continue
		}
		if !until.IsZero() && ev.FiredAt.After(until) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (j *Journal) readAt(off int64) (model.TriggerEvent, error) {
	ev, _, err := j.readRecordAt(off)
	return ev, err
}

func (j *Journal) readRecordAt(off int64) (model.TriggerEvent, int64, error) {
	var hdr [4]byte
	if _, err := j.logF.ReadAt(hdr[:], off); err != nil {
		return model.TriggerEvent{}, 0, fmt.Errorf("journal read header at %d: %w", off, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := j.logF.ReadAt(buf, off+4); err != nil {
		return model.TriggerEvent{}, 0, fmt.Errorf("journal read record at %d: %w", off, err)
	}
	var ev model.TriggerEvent
	if err := json.Unmarshal(buf, &ev); err != nil {
		return model.TriggerEvent{}, 0, fmt.Errorf("journal decode record at %d: %w", off, err)
	}
	return ev, off + 4 + int64(n), nil
}

// Sync fsyncs pending writes. No-op when nothing changed since the last sync.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if j.closed || !j.dirty {
		return nil
	}
	start := time.Now()
	if err := j.logF.Sync(); err != nil {
		return fmt.Errorf("journal fsync log: %w", err)
	}
	if err := j.idxF.Sync(); err != nil {
		return fmt.Errorf("journal fsync index: %w", err)
	}
	j.dirty = false
	if j.OnSync != nil {
		j.OnSync(time.Since(start))
	}
	return nil
}

// Run flushes on the configured interval until ctx is cancelled, then does a
// final sync. fsync errors are retried on the next interval and logged.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(j.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := j.Sync(); err != nil {
				log.Printf("[journal] final sync failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := j.Sync(); err != nil {
				log.Printf("[journal] sync failed: %v", err)
			}
		}
	}
}

// Close syncs and closes the files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	syncErr := j.syncLocked()
	j.closed = true
	if err := j.logF.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	if err := j.idxF.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}
