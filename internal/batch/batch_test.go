package batch_test

import (
	"testing"
	"time"

	"github.com/corralog/agent/internal/batch"
	"github.com/corralog/agent/internal/record"
)

func rec(content string) record.Record {
	return record.Record{
		Timestamp: time.Now(),
		Fields:    map[string]string{"content": content},
		Raw:       []byte(content),
	}
}

func TestAdd_NoBatchUntilThresholdCrossed(t *testing.T) {
	b, err := batch.New(batch.Config{MaxBatchBytes: 1 << 20, MaxBatchAge: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Add("dest", "p0", rec("hello")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := b.ReadyBatches(time.Now()); len(got) != 0 {
		t.Fatalf("ReadyBatches = %d, want 0 below threshold", len(got))
	}
}

func TestReadyBatches_FlushesOnAge(t *testing.T) {
	b, err := batch.New(batch.Config{MaxBatchBytes: 1 << 20, MaxBatchAge: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Add("dest", "p0", rec("hello")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got := b.ReadyBatches(time.Now())
	if len(got) != 1 {
		t.Fatalf("ReadyBatches = %d, want 1", len(got))
	}
	if len(got[0].Records) != 1 {
		t.Fatalf("batch has %d records, want 1", len(got[0].Records))
	}
	if len(got[0].Payload) == 0 {
		t.Fatal("sealed batch has empty payload")
	}
}

func TestReadyBatches_FlushesOnCount(t *testing.T) {
	b, err := batch.New(batch.Config{MaxBatchBytes: 1 << 20, MaxBatchCount: 2, MaxBatchAge: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Add("dest", "p0", rec("one"))
	b.Add("dest", "p0", rec("two"))

	got := b.ReadyBatches(time.Now())
	if len(got) != 1 || len(got[0].Records) != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestAdd_RefusesOverBucketCapacity(t *testing.T) {
	b, err := batch.New(batch.Config{MaxBucketBytes: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Add("dest", "p0", rec("this is way more than ten bytes")); err != batch.ErrBucketFull {
		t.Fatalf("Add err = %v, want ErrBucketFull", err)
	}
}

func TestFlushAll_SealsEvenBelowThreshold(t *testing.T) {
	b, err := batch.New(batch.Config{MaxBatchBytes: 1 << 20, MaxBatchAge: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Add("dest", "p0", rec("partial"))

	got := b.FlushAll()
	if len(got) != 1 {
		t.Fatalf("FlushAll = %d, want 1", len(got))
	}
}

func TestNew_CompressSetsPayloadCompressed(t *testing.T) {
	b, err := batch.New(batch.Config{Compress: true, MaxBatchAge: time.Hour, MaxBatchBytes: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Add("dest", "p0", rec("compress me"))
	got := b.FlushAll()
	if len(got) != 1 || !got[0].Compressed {
		t.Fatalf("got %+v", got)
	}
}

func TestBucketDepth_TracksAddedBytes(t *testing.T) {
	b, err := batch.New(batch.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.BucketDepth("dest", "p0") != 0 {
		t.Fatal("expected zero depth for unknown bucket")
	}
	b.Add("dest", "p0", rec("x"))
	if b.BucketDepth("dest", "p0") == 0 {
		t.Fatal("expected nonzero depth after Add")
	}
}
