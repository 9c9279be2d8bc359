package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/corralog/agent/internal/fileid"
)

// PrimaryRecord is the durable value stored under a primary checkpoint key:
// everything a File Reader needs to resume a file without re-reading it
// from the filesystem.
type PrimaryRecord struct {
	SourceName string         `json:"source_name"`
	Path       string         `json:"path"`
	RealPath   string         `json:"real_path"`
	Identity   fileid.Identity `json:"identity"`
	Offset     int64          `json:"offset"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Encode marshals p for storage.
func (p PrimaryRecord) Encode() []byte {
	b, _ := json.Marshal(p)
	return b
}

// DecodePrimary unmarshals a stored primary checkpoint value.
func DecodePrimary(b []byte) (PrimaryRecord, error) {
	var p PrimaryRecord
	err := json.Unmarshal(b, &p)
	return p, err
}

// RangeStatus is the send status of one exactly-once byte range.
type RangeStatus string

const (
	RangeReady        RangeStatus = "ready"
	RangeInFlight      RangeStatus = "in-flight"
	RangeAcknowledged  RangeStatus = "acknowledged"
)

// RangeRecord is the durable value stored under a range checkpoint key,
// used only in exactly-once mode.
type RangeRecord struct {
	Begin    int64       `json:"begin"`
	End      int64       `json:"end"`
	Status   RangeStatus `json:"status"`
	Sequence uint64      `json:"sequence"`
	// Epoch identifies the concurrency generation this range belongs to. It
	// is stored with the range; no code in this module writes range
	// checkpoints or compares epochs.
	Epoch int `json:"epoch"`
}

// Encode marshals r for storage.
func (r RangeRecord) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

// DecodeRange unmarshals a stored range checkpoint value.
func DecodeRange(b []byte) (RangeRecord, error) {
	var r RangeRecord
	err := json.Unmarshal(b, &r)
	return r, err
}
