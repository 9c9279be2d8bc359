package alarm_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/corralog/agent/internal/alarm"
)

func TestRaise_FirstOccurrenceWritesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	l, err := alarm.Open(path, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Raise(alarm.KindParseFailure, "src1", "bad line")

	entries, err := alarm.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Count != 1 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestRaise_RepeatedWithinWindowIsCoalesced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	l, err := alarm.Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Raise(alarm.KindParseFailure, "src1", "bad line")
	}

	entries, err := alarm.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the first occurrence written immediately, got %d entries", len(entries))
	}
}

func TestRaise_DifferentSourceIDsNotCoalesced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	l, err := alarm.Open(path, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Raise(alarm.KindParseFailure, "src1", "bad line")
	l.Raise(alarm.KindParseFailure, "src2", "bad line")

	entries, err := alarm.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct entries for distinct sources, got %d", len(entries))
	}
}

func TestRaise_NewWindowWritesCoalescedCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	l, err := alarm.Open(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Raise(alarm.KindParseFailure, "src1", "first")
	l.Raise(alarm.KindParseFailure, "src1", "second")
	time.Sleep(30 * time.Millisecond)
	l.Raise(alarm.KindParseFailure, "src1", "third")

	entries, err := alarm.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (first occurrence + prior window flush + new window start), got %d: %+v", len(entries), entries)
	}
	if entries[1].Count != 2 {
		t.Fatalf("second entry count = %d, want 2 (coalesced prior window)", entries[1].Count)
	}
}

func TestOpen_RestoresSequenceFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.jsonl")
	l1, err := alarm.Open(path, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.Raise(alarm.KindWatchLimit, "src1", "limit hit")
	l1.Close()

	l2, err := alarm.Open(path, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	l2.Raise(alarm.KindWatchLimit, "src2", "limit hit again")

	entries, err := alarm.ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 || entries[1].Seq != 2 {
		t.Fatalf("entries = %+v, want seq 1 then 2", entries)
	}
}
