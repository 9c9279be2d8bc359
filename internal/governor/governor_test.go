package governor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corralog/agent/internal/governor"
)

func TestNew_SamplesCurrentProcess(t *testing.T) {
	g, err := governor.New(governor.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g == nil {
		t.Fatal("New returned nil governor")
	}
}

func TestGovernor_SlowReadFatalTriggersShutdown(t *testing.T) {
	var triggered atomic.Bool
	var reason atomic.Value

	g, err := governor.New(governor.Config{
		SampleInterval: 5 * time.Millisecond,
		SlowReadWarn:   10 * time.Millisecond,
		SlowReadFatal:  20 * time.Millisecond,
		OldestRecord: func() (time.Duration, bool) {
			return 30 * time.Millisecond, true
		},
		Shutdown: func(r string) {
			triggered.Store(true)
			reason.Store(r)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if !triggered.Load() {
		t.Fatal("expected shutdown to trigger on fatal slow-read threshold")
	}
	if r, _ := reason.Load().(string); r != "slow_read_deadlock" {
		t.Fatalf("shutdown reason = %q, want slow_read_deadlock", r)
	}
}

func TestGovernor_NoShutdownWhenWithinThresholds(t *testing.T) {
	var triggered atomic.Bool

	g, err := governor.New(governor.Config{
		SampleInterval: 5 * time.Millisecond,
		SlowReadWarn:   time.Hour,
		SlowReadFatal:  2 * time.Hour,
		OldestRecord: func() (time.Duration, bool) {
			return time.Millisecond, true
		},
		Shutdown: func(string) { triggered.Store(true) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if triggered.Load() {
		t.Fatal("shutdown should not trigger while within thresholds")
	}
}
