package send_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corralog/agent/internal/record"
	"github.com/corralog/agent/internal/send"
)

type stubTransporter struct {
	calls  atomic.Int64
	status record.AckStatus
}

func (s *stubTransporter) Send(ctx context.Context, destination, endpoint string, batch *record.Batch) (record.AckStatus, error) {
	s.calls.Add(1)
	return s.status, nil
}

func TestSender_DeliversSubmittedBatch(t *testing.T) {
	tx := &stubTransporter{status: record.AckOK}
	cfg := send.Config{
		Destinations: map[string]send.DestinationConfig{"d1": {Cmax: 2, ConcurrencyMin: 1}},
		Endpoints:    map[string]string{"d1": "https://example.invalid/ingest"},
		UrgentDrain:  time.Second,
	}
	s := send.New(cfg, tx, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	batch := &record.Batch{Destination: "d1", Records: []record.Record{{}}}
	if err := s.Submit(ctx, batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for tx.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for batch delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Stop()
}

func TestSender_StopIsIdempotent(t *testing.T) {
	tx := &stubTransporter{status: record.AckOK}
	cfg := send.Config{
		Destinations: map[string]send.DestinationConfig{"d1": {Cmax: 1, ConcurrencyMin: 1}},
		Endpoints:    map[string]string{"d1": "https://example.invalid/ingest"},
	}
	s := send.New(cfg, tx, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Stop()
	s.Stop()
}
