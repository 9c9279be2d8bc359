// Package batch implements the Batcher (C7): accumulates records per
// (destination, partition) bucket until a size, count, or age threshold is
// crossed, then seals a batch for the Sender.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/corralog/agent/internal/record"
)

const (
	DefaultMaxBatchBytes  = 256 * 1024
	DefaultMaxBatchAge    = 3 * time.Second
	DefaultMaxBucketBytes = 512 * 1024
)

// ErrBucketFull is returned by Add when a (destination, partition) bucket
// has reached max_bucket_bytes; this is the upstream-visible backpressure
// signal Readers use to pause.
var ErrBucketFull = fmt.Errorf("batch: bucket at capacity")

// Config bounds a Batcher's thresholds.
type Config struct {
	MaxBatchBytes  int
	MaxBatchCount  int
	MaxBatchAge    time.Duration
	MaxBucketBytes int
	// Compress, when true, serializes sealed batches through a zstd encoder
	// before handing them to the Sender.
	Compress bool
}

func (c *Config) applyDefaults() {
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = DefaultMaxBatchAge
	}
	if c.MaxBucketBytes <= 0 {
		c.MaxBucketBytes = DefaultMaxBucketBytes
	}
}

type bucketKey struct {
	destination string
	partition   string
}

type bucket struct {
	records    []record.Record
	bytes      int
	oldestTime time.Time
}

// Batcher owns the full set of per-(destination, partition) buckets for one
// pipeline instance.
type Batcher struct {
	cfg     Config
	enc     *zstd.Encoder
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	nextID  uint64
}

// New constructs a Batcher. A zero-value Config takes the spec's
// defaults.
func New(cfg Config) (*Batcher, error) {
	cfg.applyDefaults()
	b := &Batcher{cfg: cfg, buckets: make(map[bucketKey]*bucket)}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		b.enc = enc
	}
	return b, nil
}

// Add appends rec to its (destination, partition) bucket. It returns
// ErrBucketFull without modifying the bucket when doing so would exceed
// MaxBucketBytes.
func (b *Batcher) Add(destination, partition string, rec record.Record) error {
	key := bucketKey{destination: destination, partition: partition}
	sz := rec.Size()

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{}
		b.buckets[key] = bk
	}
	if bk.bytes+sz > b.cfg.MaxBucketBytes {
		return ErrBucketFull
	}
	if len(bk.records) == 0 {
		bk.oldestTime = time.Now()
	}
	bk.records = append(bk.records, rec)
	bk.bytes += sz
	return nil
}

// ReadyBatches scans every bucket and seals any that cross a flush
// threshold (size, count, or age), returning them for the Sender. Buckets
// below threshold are left intact.
func (b *Batcher) ReadyBatches(now time.Time) []*record.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*record.Batch
	for key, bk := range b.buckets {
		if len(bk.records) == 0 {
			continue
		}
		over := bk.bytes >= b.cfg.MaxBatchBytes ||
			(b.cfg.MaxBatchCount > 0 && len(bk.records) >= b.cfg.MaxBatchCount) ||
			now.Sub(bk.oldestTime) >= b.cfg.MaxBatchAge
		if !over {
			continue
		}
		out = append(out, b.seal(key, bk))
		delete(b.buckets, key)
	}
	return out
}

// FlushAll seals every non-empty bucket regardless of threshold, used by
// urgent-mode shutdown drain and config swap.
func (b *Batcher) FlushAll() []*record.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*record.Batch
	for key, bk := range b.buckets {
		if len(bk.records) == 0 {
			continue
		}
		out = append(out, b.seal(key, bk))
		delete(b.buckets, key)
	}
	return out
}

func (b *Batcher) seal(key bucketKey, bk *bucket) *record.Batch {
	b.nextID++
	batch := &record.Batch{
		ID:          b.nextID,
		ExternalID:  uuid.NewString(),
		Destination: key.destination,
		Partition:   key.partition,
	}
	for _, rec := range bk.records {
		batch.Add(rec)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch.Records {
		line := struct {
			Timestamp time.Time         `json:"timestamp"`
			Fields    map[string]string `json:"fields"`
			Source    string            `json:"source"`
			Path      string            `json:"path"`
		}{Timestamp: rec.Timestamp, Fields: rec.Fields, Source: rec.Tags.Source, Path: rec.Tags.Path}
		_ = enc.Encode(line)
	}

	if b.enc != nil {
		batch.Payload = b.enc.EncodeAll(buf.Bytes(), nil)
		batch.Compressed = true
	} else {
		batch.Payload = buf.Bytes()
	}
	return batch
}

// BucketDepth reports the current byte size of one bucket, for the
// Resource Governor / diagnostics surface.
func (b *Batcher) BucketDepth(destination, partition string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[bucketKey{destination: destination, partition: partition}]
	if !ok {
		return 0
	}
	return bk.bytes
}
