// Package record defines the value types shared by the Multiline Assembler,
// Record Parser, Batcher, and Sender: a merged log line on its way to a
// destination, the tag set attached to it, and the sealed batch the Sender
// transmits.
package record

import "time"

// Tags identifies where a record came from and, for exactly-once sources,
// which byte range it belongs to.
type Tags struct {
	Source      string
	Host        string
	Region      string
	Path        string
	SourceID    string
	PrimaryKey  string
	RangeIndex  int
	ExactlyOnce bool

	// UserID and UserDefinedID attach operator-supplied identity metadata
	// (AGENT_USER_ID / AGENT_USER_DEFINED_ID) to every outgoing record.
	UserID        string
	UserDefinedID string
}

// Record is one fully parsed, structured log entry ready for batching.
type Record struct {
	// Timestamp is the record's parsed or wall-clock time.
	Timestamp time.Time
	// Fields holds the structured, parsed content (field name -> value).
	Fields map[string]string
	// Raw holds the original merged bytes this record was parsed from, used
	// to satisfy the byte-accounting invariant across the assembler/parser
	// boundary.
	Raw []byte
	Tags Tags
}

// Size estimates the serialized wire size of r, used by the Batcher to
// enforce max_batch_bytes / max_bucket_bytes without marshaling twice.
func (r Record) Size() int {
	n := len(r.Raw) + 32 // timestamp + tag overhead
	for k, v := range r.Fields {
		n += len(k) + len(v) + 2
	}
	return n
}

// Batch is an ordered, sealed sequence of records destined for a single
// (destination, partition) key, ready for the Sender.
type Batch struct {
	// ID is a monotonic sequence number used for retry idempotency.
	ID uint64
	// ExternalID is a globally-unique identifier for this batch, carried in
	// the wire payload so the remote ingestion service can dedupe deliveries
	// across agent restarts, where the monotonic ID resets.
	ExternalID string
	// Destination is the logical remote endpoint key.
	Destination string
	// Partition further subdivides Destination (e.g. per source-id).
	Partition string
	Records   []Record
	// SerializedBytes is the total estimated wire size of Records.
	SerializedBytes int
	EarliestTime    time.Time
	LatestTime      time.Time
	// Payload holds the wire-ready body for this batch once sealed (JSON
	// lines, optionally zstd-compressed). Empty until the Batcher seals it.
	Payload []byte
	// Compressed reports whether Payload is zstd-compressed.
	Compressed bool
}

// Add appends rec to the batch and updates its size/time bookkeeping.
func (b *Batch) Add(rec Record) {
	b.Records = append(b.Records, rec)
	b.SerializedBytes += rec.Size()
	if b.EarliestTime.IsZero() || rec.Timestamp.Before(b.EarliestTime) {
		b.EarliestTime = rec.Timestamp
	}
	if rec.Timestamp.After(b.LatestTime) {
		b.LatestTime = rec.Timestamp
	}
}

// AckStatus is the outcome of attempting to deliver a Batch, as reported by
// the remote ingestion service's ack mapping (batch sequence -> status).
type AckStatus string

const (
	AckOK              AckStatus = "ok"
	AckRetryableNet     AckStatus = "retryable-network"
	AckRetryableQuota   AckStatus = "retryable-quota"
	AckDiscard          AckStatus = "discard"
)
