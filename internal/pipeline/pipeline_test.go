package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corralog/agent/internal/checkpoint"
	"github.com/corralog/agent/internal/fileid"
	"github.com/corralog/agent/internal/pipeline"
	"github.com/corralog/agent/internal/record"
)

// stubTransporter records every batch submitted to it and always acks OK,
// so tests can assert on what the pipeline actually sent without touching
// the network.
type stubTransporter struct {
	mu      sync.Mutex
	batches []*record.Batch
}

func (s *stubTransporter) Send(ctx context.Context, destination, endpoint string, batch *record.Batch) (record.AckStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return record.AckOK, nil
}

func (s *stubTransporter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func writeConfig(t *testing.T, dir, logDir, checkpointPath string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "agent.yaml")
	body := `
global:
  checkpoint_path: "` + checkpointPath + `"
  max_watch_count: 1000
  poll_interval: 20ms
sources:
  - name: app
    glob: "` + filepath.Join(logDir, "*.log") + `"
    destination: primary
    multiline:
      mode: single
    parser:
      mode: raw
destinations:
  primary:
    name: primary
    endpoint: "https://example.invalid/ingest"
    max_concurrency: 2
    min_concurrency: 1
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestStart_DiscoversExistingFileAndSendsBatch(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")

	if err := os.WriteFile(filepath.Join(logDir, "app.log"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}

	cfgPath := writeConfig(t, dir, logDir, checkpointPath)
	tx := &stubTransporter{}

	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: tx})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctrl.ForceFlush(context.Background()); err == nil && tx.count() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if tx.count() == 0 {
		t.Fatal("expected at least one batch to reach the transporter")
	}

	health := ctrl.Health()
	if !health.Healthy {
		t.Fatal("expected a running controller to report healthy")
	}
}

func TestStop_IsIdempotentAndDrainsPendingBatches(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")

	if err := os.WriteFile(filepath.Join(logDir, "app.log"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}

	cfgPath := writeConfig(t, dir, logDir, checkpointPath)
	tx := &stubTransporter{}

	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: tx, ExitBudget: time.Second})
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	if tx.count() == 0 {
		t.Fatal("expected the pending batch to be drained on shutdown")
	}
}

func TestForceConfigSwap_ReloadsSourcesWithoutLosingCheckpoints(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")
	logPath := filepath.Join(logDir, "app.log")

	if err := os.WriteFile(logPath, []byte("first\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}

	cfgPath := writeConfig(t, dir, logDir, checkpointPath)
	tx := &stubTransporter{}

	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: tx})
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(ctx)

	time.Sleep(50 * time.Millisecond)

	// Rewrite the same config (a no-op change) and force a swap; the
	// checkpoint for app.log should survive the swap so appended content is
	// not re-read from offset 0.
	writeConfig(t, dir, logDir, checkpointPath)
	if err := ctrl.ForceConfigSwap(ctx); err != nil {
		t.Fatalf("ForceConfigSwap: %v", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen log file: %v", err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tx.count() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if tx.count() == 0 {
		t.Fatal("expected the appended line to be collected and sent after the swap")
	}
}

func TestForceConfigSwap_RejectsConcurrentSwap(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")
	cfgPath := writeConfig(t, dir, logDir, checkpointPath)

	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: &stubTransporter{}})
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(ctx)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ctrl.ForceConfigSwap(ctx)
		}(i)
	}
	wg.Wait()

	if errs[0] == nil && errs[1] == nil {
		t.Fatal("expected one of two concurrent swaps to be rejected")
	}
}

func TestHealth_ReportsUnhealthyBeforeStart(t *testing.T) {
	ctrl := pipeline.New(pipeline.Config{ConfigPath: "unused.yaml"})
	health := ctrl.Health()
	if health.Healthy {
		t.Fatal("expected a Controller that has not Started to report unhealthy")
	}
}

// seedCheckpoint writes a primary checkpoint directly to the store, bypassing
// the pipeline, so tests can exercise scanCheckpoints' resume/drop/delete
// outcomes without a prior run.
func seedCheckpoint(t *testing.T, checkpointPath, sourceName, path string, offset int64) {
	t.Helper()
	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	defer store.Close()

	dev, ino, size, err := fileid.Stat(path)
	if err != nil {
		t.Fatalf("stat seeded file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open seeded file: %v", err)
	}
	sig, _, _, err := fileid.Signature(f, fileid.DefaultSignatureSize)
	f.Close()
	if err != nil {
		t.Fatalf("signature seeded file: %v", err)
	}

	rec := checkpoint.PrimaryRecord{
		SourceName: sourceName,
		Path:       path,
		RealPath:   path,
		Identity:   fileid.Identity{Device: dev, Inode: ino, SigSize: fileid.DefaultSignatureSize, Signature: sig},
		Offset:     offset,
		CreatedAt:  time.Now(),
	}
	_ = size
	key := checkpoint.PrimaryKey(sourceName, path)
	if _, err := store.BatchPut(context.Background(), []checkpoint.Entry{{Key: key, Value: rec.Encode()}}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
}

func TestStart_ResumesFromASeededCheckpointRatherThanRereadingFromZero(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")
	logPath := filepath.Join(logDir, "app.log")

	if err := os.WriteFile(logPath, []byte("already-seen\nnew-line\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}
	seedCheckpoint(t, checkpointPath, "app", logPath, int64(len("already-seen\n")))

	cfgPath := writeConfig(t, dir, logDir, checkpointPath)
	tx := &stubTransporter{}

	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: tx})
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tx.count() == 0 {
		_ = ctrl.ForceFlush(ctx)
		time.Sleep(20 * time.Millisecond)
	}
	if tx.count() == 0 {
		t.Fatal("expected the unread tail to be collected and sent")
	}
}

func TestStart_DropsCheckpointWhoseSourceWasRemovedFromConfig(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()
	checkpointPath := filepath.Join(dir, "checkpoints.db")
	logPath := filepath.Join(logDir, "orphan.log")

	if err := os.WriteFile(logPath, []byte("line\n"), 0o644); err != nil {
		t.Fatalf("seed log file: %v", err)
	}
	seedCheckpoint(t, checkpointPath, "gone", logPath, 0)

	cfgPath := writeConfig(t, dir, logDir, checkpointPath)
	ctrl := pipeline.New(pipeline.Config{ConfigPath: cfgPath, Transporter: &stubTransporter{}})
	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(ctx)

	store, err := checkpoint.Open(checkpointPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	found := false
	_ = store.Scan(ctx, checkpoint.Full(), func(e checkpoint.Entry) error {
		if e.Key == checkpoint.PrimaryKey("gone", logPath) {
			found = true
		}
		return nil
	})
	if found {
		t.Fatal("expected the checkpoint for a source no longer in config to be deleted")
	}
}
