package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corralog/agent/internal/watch"
)

func TestSet_EmitsExistedFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	set, err := watch.New(watch.Config{
		Sources:      []watch.Source{{Name: "s1", Glob: filepath.Join(dir, "*.log")}},
		PollInterval: 20 * time.Millisecond,
		IdleTimeout:  time.Hour,
	})
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := set.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer set.Stop()

	select {
	case ev := <-set.Events():
		if ev.Kind != watch.KindExisted {
			t.Fatalf("first event kind = %q, want existed", ev.Kind)
		}
		if ev.Path != path {
			t.Fatalf("existed event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for existed-files event")
	}
}

func TestSet_DetectsNewFileViaPoller(t *testing.T) {
	dir := t.TempDir()

	set, err := watch.New(watch.Config{
		Sources:      []watch.Source{{Name: "s1", Glob: filepath.Join(dir, "*.log")}},
		PollInterval: 20 * time.Millisecond,
		IdleTimeout:  time.Hour,
	})
	if err != nil {
		t.Fatalf("watch.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := set.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer set.Stop()

	path := filepath.Join(dir, "new.log")
	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-set.Events():
			if ev.Path == path && (ev.Kind == watch.KindCreate || ev.Kind == watch.KindWrite) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for create event on new file")
		}
	}
}
