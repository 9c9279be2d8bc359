package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// snapshot is the poll-loop's view of the filesystem: path -> last-seen
// size/mtime.
type snapshot map[string]fileStamp

type fileStamp struct {
	size    int64
	modTime time.Time
}

// runPoller walks every source's glob on a fixed interval, diffing against
// the previous snapshot to detect files the notifier missed — because its
// watch table was exhausted, the filesystem has unreliable events, or a
// directory was registered poll-only.
func (s *Set) runPoller(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	idleTicker := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer idleTicker.Stop()

	prev := s.scanAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			cur := s.scanAll()
			s.diffAndEmit(prev, cur)
			s.retryBrokenSymlinks()
			prev = cur
		case <-idleTicker.C:
			s.dropIdleWatches()
		}
	}
}

// scanAll expands every configured source glob and returns a unified
// snapshot of the matches.
func (s *Set) scanAll() snapshot {
	result := make(snapshot)
	for _, src := range s.cfg.Sources {
		matches, err := expandGlob(src.Glob, src.MaxDepth)
		if err != nil {
			continue
		}
		for _, path := range matches {
			fi, err := os.Lstat(path)
			if err != nil {
				continue
			}
			if fi.Mode()&os.ModeSymlink != 0 {
				target, err := filepath.EvalSymlinks(path)
				if err != nil {
					s.markBroken(path)
					continue
				}
				path = target
				fi, err = os.Stat(path)
				if err != nil {
					continue
				}
			}
			result[path] = fileStamp{size: fi.Size(), modTime: fi.ModTime()}
		}
	}
	return result
}

// diffAndEmit compares two snapshots and emits create/write/remove events
// for everything the notifier stream may have missed; the coalescing
// window in deliver() drops the ones it didn't.
func (s *Set) diffAndEmit(prev, cur snapshot) {
	now := time.Now()
	for path, st := range cur {
		old, existed := prev[path]
		switch {
		case !existed:
			s.deliver(Event{Path: path, Kind: KindCreate, Time: now})
		case st.size != old.size || !st.modTime.Equal(old.modTime):
			s.deliver(Event{Path: path, Kind: KindWrite, Time: now})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			s.deliver(Event{Path: path, Kind: KindRemove, Time: now})
		}
	}
}

// markBroken moves a symlink whose target has disappeared to the broken
// links set, so it is retried on a schedule instead of spamming remove
// events every poll.
func (s *Set) markBroken(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.brokenLinks[path]; !ok {
		s.brokenLinks[path] = time.Now()
		s.cfg.Logger.Warn("watch: symlink target missing, parked for retry", slog.String("path", path))
	}
}

// retryBrokenSymlinks re-checks every parked broken symlink and re-registers
// its watch on recovery.
func (s *Set) retryBrokenSymlinks() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.brokenLinks))
	for p := range s.brokenLinks {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, p := range paths {
		if target, err := filepath.EvalSymlinks(p); err == nil {
			s.mu.Lock()
			delete(s.brokenLinks, p)
			s.mu.Unlock()
			s.registerDir(filepath.Dir(target))
			s.cfg.Logger.Info("watch: broken symlink recovered", slog.String("path", p), slog.String("target", target))
		}
	}
}

// dropIdleWatches removes watches whose directory has recorded no activity
// for longer than IdleTimeout. This is a pure memory-reclamation measure: data
// under a dropped watch is rediscovered by the poller if activity resumes.
func (s *Set) dropIdleWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	for dir, st := range s.dirs {
		if st.lastActivity.Before(cutoff) {
			if !st.pollOnly {
				_ = s.notifier.Remove(dir)
			}
			delete(s.dirs, dir)
		}
	}
}

// matchingDirs resolves the directories that should be registered with the
// notifier for a given glob: the parent directories of its matches, or the
// glob's base directory when nothing matches.
func matchingDirs(glob string, maxDepth int) ([]string, error) {
	matches, err := expandGlob(glob, maxDepth)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dirs []string
	for _, m := range matches {
		d := filepath.Dir(m)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	// A glob with no current matches still has a watchable base directory
	// (e.g. "/var/log/app/*.log" before any file exists).
	if len(dirs) == 0 {
		dirs = append(dirs, globBaseDir(glob))
	}
	return dirs, nil
}

// globBaseDir returns the longest literal (non-pattern) prefix directory of
// a glob pattern, so a directory can be watched before any file matches it.
func globBaseDir(glob string) string {
	parts := strings.Split(filepath.ToSlash(glob), "/")
	var base []string
	for _, p := range parts {
		if strings.ContainsAny(p, "*?[") {
			break
		}
		base = append(base, p)
	}
	if len(base) == 0 {
		return "/"
	}
	return filepath.FromSlash(strings.Join(base, "/"))
}

// expandGlob returns every regular file matching glob via filepath.Glob. It
// does not recurse into subdirectories, and maxDepth is not consulted.
func expandGlob(glob string, maxDepth int) ([]string, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		files = append(files, m)
	}
	_ = maxDepth // not consulted: filepath.Glob does not recurse.
	return files, nil
}
