package send_test

import (
	"testing"
	"time"

	"github.com/corralog/agent/internal/send"
)

func TestDestinationState_SuccessRaisesConcurrency(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{Cmax: 8, ConcurrencyMin: 1})
	d.Record(send.OutcomeNetworkFailure, time.Now())
	before := d.Concurrency()

	d.Record(send.OutcomeSuccess, time.Now())
	if d.Concurrency() <= before {
		t.Fatalf("concurrency after success = %d, want > %d", d.Concurrency(), before)
	}
}

func TestDestinationState_NetworkFailureBlocksAfterThreshold(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{
		Cmax: 8, ConcurrencyMin: 1, NetErrThreshold: 3,
		NetBackoffBase: 10 * time.Millisecond, NetBackoffMax: time.Second, NetBackoffFactor: 2,
	})
	now := time.Now()
	for i := 0; i < 3; i++ {
		d.Record(send.OutcomeNetworkFailure, now)
	}
	blocked, until := d.Blocked(now)
	if !blocked {
		t.Fatal("expected destination to be blocked after crossing NetErrThreshold")
	}
	if !until.After(now) {
		t.Fatalf("unblock time %v not after now %v", until, now)
	}
}

func TestDestinationState_QuotaFailureDropsToConcurrencyMin(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{
		Cmax: 8, ConcurrencyMin: 2, QuotaErrThreshold: 1,
	})
	d.Record(send.OutcomeQuotaFailure, time.Now())
	if d.Concurrency() != 2 {
		t.Fatalf("concurrency = %d, want ConcurrencyMin (2)", d.Concurrency())
	}
	if blocked, _ := d.Blocked(time.Now()); !blocked {
		t.Fatal("expected destination blocked after quota failure at default N_q=1")
	}
}

func TestDestinationState_UrgentModeNeverBlocks(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{Cmax: 4, ConcurrencyMin: 1, NetErrThreshold: 1})
	d.Record(send.OutcomeNetworkFailure, time.Now())
	d.SetUrgent(true)
	if blocked, _ := d.Blocked(time.Now()); blocked {
		t.Fatal("urgent mode should bypass blocked-state checks")
	}
}

func TestDestinationState_DiscardActsLikeSuccessForFlowControl(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{Cmax: 8, ConcurrencyMin: 1})
	d.Record(send.OutcomeNetworkFailure, time.Now())
	before := d.Concurrency()
	d.Record(send.OutcomeDiscard, time.Now())
	if d.Concurrency() <= before {
		t.Fatalf("discard should raise concurrency like success, got %d want > %d", d.Concurrency(), before)
	}
	if blocked, _ := d.Blocked(time.Now()); blocked {
		t.Fatal("discard should clear blocked state like success")
	}
}

func TestDestinationState_UnblockGrowsBackoffInterval(t *testing.T) {
	d := send.NewDestinationState(send.DestinationConfig{
		Cmax: 8, ConcurrencyMin: 1, NetErrThreshold: 1,
		NetBackoffBase: 10 * time.Millisecond, NetBackoffMax: time.Second, NetBackoffFactor: 2,
	})
	start := time.Now()
	d.Record(send.OutcomeNetworkFailure, start)

	later := start.Add(5 * time.Millisecond)
	if blocked, _ := d.Blocked(later); !blocked {
		t.Fatal("expected still blocked immediately after threshold crossed")
	}

	d.NoteUnblock(start.Add(15 * time.Millisecond))
	// Interval should have at least doubled from its base of 10ms.
	blocked, until := d.Blocked(start.Add(15 * time.Millisecond))
	if !blocked || until.Sub(start) < 20*time.Millisecond {
		t.Fatalf("expected grown backoff window, until=%v start=%v", until, start)
	}
}
