// Package watch implements the Watch Set (C1): a kernel-notifier-backed
// discovery mechanism merged with a periodic poller fallback, producing a
// single deduplicated stream of file events for the File Reader.
//
// The notifier side wraps github.com/fsnotify/fsnotify directly for the same
// kernel-event semantics across platforms. The poller side runs a
// ticker-driven snapshot/diff loop over every configured source's glob, as a
// fallback for notifier blind spots (exhausted watch tables, unreliable
// filesystem events, explicitly poll-only directories).
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind classifies a unified file event.
type Kind string

const (
	KindCreate   Kind = "create"
	KindWrite    Kind = "write"
	KindRemove   Kind = "remove"
	KindRename   Kind = "rename"
	KindAttr     Kind = "attr"
	// KindExisted is the synthetic event emitted once per matched file when
	// its containing directory is first registered, so the Reader can
	// decide whether to tail from the beginning.
	KindExisted Kind = "existed"
)

// Event is one unified, deduplicated filesystem event.
type Event struct {
	Path string
	Kind Kind
	Time time.Time
}

// errWatchLimitReached logs (not a hard error — the path is retained as
// poll-only) when the notifier refuses to register more watches.
const errWatchLimitReached = "watch: notifier watch limit reached, falling back to poll-only"

// Source is the subset of source configuration the Watch Set needs: the
// glob of files to discover, and a MaxDepth that glob expansion does not
// consult.
type Source struct {
	Name     string
	Glob     string
	MaxDepth int
}

// Config configures a Set.
type Config struct {
	Sources       []Source
	MaxWatchCount int
	PollInterval  time.Duration
	// IdleTimeout drops a watched directory that has recorded no notifier
	// event on its direct children for this long; a pure memory-reclamation
	// measure.
	IdleTimeout time.Duration
	// CoalesceWindow deduplicates identical (path, kind) events seen within
	// this window across the notifier and poller streams.
	CoalesceWindow time.Duration

	Logger *slog.Logger
}

type dirState struct {
	lastActivity time.Time
	isSymlink    bool
	broken       bool
	pollOnly     bool
}

// Set merges the notifier and poller discovery streams into one
// deduplicated Event channel.
type Set struct {
	cfg Config

	notifier *fsnotify.Watcher

	mu          sync.Mutex
	dirs        map[string]*dirState
	brokenLinks map[string]time.Time
	recent      map[string]time.Time // "path|kind" -> last emission time, coalescing

	// searchCache is allocated at construction; no code in this package
	// reads or writes it. The broken-symlink retry set is brokenLinks, a
	// plain unbounded map.
	searchCache *lru.Cache[string, struct{}]

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Set from cfg but does not start it.
func New(cfg Config) (*Set, error) {
	if cfg.MaxWatchCount <= 0 {
		cfg.MaxWatchCount = 8192
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, struct{}](4096)
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}

	return &Set{
		cfg:         cfg,
		notifier:    notifier,
		dirs:        make(map[string]*dirState),
		brokenLinks: make(map[string]time.Time),
		recent:      make(map[string]time.Time),
		searchCache: cache,
		events:      make(chan Event, 256),
		stop:        make(chan struct{}),
	}, nil
}

// Events returns the unified event channel. Closed after Stop returns.
func (s *Set) Events() <-chan Event { return s.events }

// Start registers every configured source's matching directories and begins
// the notifier-read loop and the poller loop.
func (s *Set) Start(ctx context.Context) error {
	for _, src := range s.cfg.Sources {
		dirs, err := matchingDirs(src.Glob, src.MaxDepth)
		if err != nil {
			s.cfg.Logger.Warn("watch: cannot resolve source glob", slog.String("source", src.Name), slog.Any("error", err))
			continue
		}
		for _, d := range dirs {
			s.registerDir(d)
			s.emitExistedFiles(src)
		}
	}

	s.wg.Add(2)
	go s.runNotifier(ctx)
	go s.runPoller(ctx)
	return nil
}

// Stop shuts down both loops and closes the Events channel. Idempotent.
func (s *Set) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.notifier.Close()
		close(s.events)
	})
	return err
}

// registerDir adds dir to the notifier, falling back to poll-only tracking
// when the notifier's watch table is exhausted.
func (s *Set) registerDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dirs[dir]; ok {
		return
	}

	state := &dirState{lastActivity: time.Now()}

	if len(s.dirs) >= s.cfg.MaxWatchCount {
		state.pollOnly = true
		s.cfg.Logger.Warn(errWatchLimitReached, slog.String("path", dir))
	} else if err := s.notifier.Add(dir); err != nil {
		state.pollOnly = true
		s.cfg.Logger.Warn("watch: notifier.Add failed, falling back to poll-only",
			slog.String("path", dir), slog.Any("error", err))
	}

	s.dirs[dir] = state
}

// emitExistedFiles synthesizes a KindExisted event for every file currently
// matching src.Glob so the Reader can apply the tail-on-first-open policy.
func (s *Set) emitExistedFiles(src Source) {
	matches, err := expandGlob(src.Glob, src.MaxDepth)
	if err != nil {
		return
	}
	now := time.Now()
	for _, m := range matches {
		s.deliver(Event{Path: m, Kind: KindExisted, Time: now})
	}
}

// runNotifier reads fsnotify events and translates them into unified Events.
func (s *Set) runNotifier(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-s.notifier.Events:
			if !ok {
				return
			}
			s.touchActivity(filepath.Dir(ev.Name))
			s.deliver(Event{Path: ev.Name, Kind: translateOp(ev.Op), Time: time.Now()})
		case err, ok := <-s.notifier.Errors:
			if !ok {
				return
			}
			s.cfg.Logger.Warn("watch: notifier error", slog.Any("error", err))
		}
	}
}

func translateOp(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreate
	case op.Has(fsnotify.Write):
		return KindWrite
	case op.Has(fsnotify.Remove):
		return KindRemove
	case op.Has(fsnotify.Rename):
		return KindRename
	case op.Has(fsnotify.Chmod):
		return KindAttr
	default:
		return KindAttr
	}
}

// touchActivity records a last-activity timestamp on dir if it is a
// watched directory. Ancestor directories are not updated, so IdleTimeout
// measures activity of a directory's direct children only.
func (s *Set) touchActivity(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.dirs[dir]; ok {
		st.lastActivity = time.Now()
	}
}

// deliver applies the coalescing window and sends e on the Events channel.
func (s *Set) deliver(e Event) {
	key := e.Path + "|" + string(e.Kind)

	s.mu.Lock()
	if last, ok := s.recent[key]; ok && e.Time.Sub(last) < s.cfg.CoalesceWindow {
		s.mu.Unlock()
		return
	}
	s.recent[key] = e.Time
	s.mu.Unlock()

	select {
	case s.events <- e:
	case <-s.stop:
	}
}
