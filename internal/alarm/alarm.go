// Package alarm implements the agent's self-monitoring alarm log: an
// append-only, sequence-numbered JSON-lines log of operational events
// (discarded batches, parse failures, watch-limit overruns, and the like),
// with rate-limited deduplication by (kind, source) within a rolling window
// so a single recurring failure does not flood the log.
package alarm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the alarm types the pipeline raises. It is a small, open
// string type: new components add kinds without touching this package.
type Kind string

const (
	KindBatchDiscarded   Kind = "batch_discarded"
	KindParseFailure     Kind = "parse_failure"
	KindWatchLimit       Kind = "watch_limit_reached"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindCheckpointError  Kind = "checkpoint_error"
	KindSlowRead         Kind = "slow_read"
	KindResourceOverrun  Kind = "resource_overrun"
)

// Entry is one logged alarm line.
type Entry struct {
	// ID is a globally-unique identifier for this alarm occurrence,
	// distinct from Seq: Seq is a per-file monotonic counter recovered by
	// rescanning the log on Open, while ID survives a log rotation.
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	SourceID  string    `json:"source_id"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
}

// bucketKey groups alarms for dedup purposes.
type bucketKey struct {
	kind     Kind
	sourceID string
}

type bucket struct {
	firstSeen time.Time
	count     int
	lastMsg   string
}

// Log is an append-only alarm logger with a rolling dedup window.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	seq    int64
	window time.Duration
	active map[bucketKey]*bucket
}

// DefaultWindow is the rolling dedup window: repeated alarms of the same
// (kind, source) within this interval are coalesced into a single entry
// with an incrementing count, mirroring LogtailAlarm's IncCount behavior.
const DefaultWindow = time.Minute

// Open opens (or creates) the alarm log file at path.
func Open(path string, window time.Duration) (*Log, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	seq := int64(0)
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			var e Entry
			if json.Unmarshal(scanner.Bytes(), &e) == nil && e.Seq > seq {
				seq = e.Seq
			}
		}
		f.Close()
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("alarm: open %q: %w", path, err)
	}
	return &Log{file: file, seq: seq, window: window, active: make(map[bucketKey]*bucket)}, nil
}

// Notify implements send.AlarmSink, so the Sender can raise alarms directly.
func (l *Log) Notify(kind, destination, detail string) {
	l.Raise(Kind(kind), destination, detail)
}

// Raise records one alarm occurrence. Within the rolling window, repeated
// occurrences of the same (kind, sourceID) are coalesced: only the first in
// a window is written immediately, later ones update an in-memory count
// that is flushed when the window elapses or FlushCounts is called.
func (l *Log) Raise(kind Kind, sourceID, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{kind: kind, sourceID: sourceID}
	now := time.Now()

	b, ok := l.active[key]
	if !ok || now.Sub(b.firstSeen) >= l.window {
		if ok && b.count > 1 {
			l.writeLocked(kind, sourceID, b.lastMsg, b.count)
		}
		l.active[key] = &bucket{firstSeen: now, count: 1, lastMsg: message}
		l.writeLocked(kind, sourceID, message, 1)
		return
	}
	b.count++
	b.lastMsg = message
}

// FlushCounts writes a coalesced entry for every bucket whose window has
// elapsed and that saw more than one occurrence in it, and drops those
// buckets. Buckets still inside their window are left untouched.
// Intended to be called periodically (e.g. alongside the Batcher's age-based
// flush) so suppressed repeats are not silently lost.
func (l *Log) FlushCounts() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.active {
		if b.count > 1 && now.Sub(b.firstSeen) >= l.window {
			l.writeLocked(key.kind, key.sourceID, b.lastMsg, b.count)
			delete(l.active, key)
		}
	}
}

func (l *Log) writeLocked(kind Kind, sourceID, message string, count int) {
	l.seq++
	e := Entry{
		ID:        uuid.NewString(),
		Seq:       l.seq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		SourceID:  sourceID,
		Message:   message,
		Count:     count,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = l.file.Write(line)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// ReadAll reads every entry currently in the log file at path, for tests and
// diagnostics tooling.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("alarm: malformed entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
