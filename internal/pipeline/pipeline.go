// Package pipeline implements the Lifecycle Controller (C10): the start
// sequence, config swap, and shutdown orchestration that wires the Watch
// Set, Checkpoint Store, File Reader, Multiline Assembler, Record Parser,
// Batcher, Sender, Resource Governor, and checkpoint GC into one running
// agent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corralog/agent/internal/alarm"
	"github.com/corralog/agent/internal/batch"
	"github.com/corralog/agent/internal/checkpoint"
	"github.com/corralog/agent/internal/config"
	"github.com/corralog/agent/internal/diag"
	"github.com/corralog/agent/internal/extproc"
	"github.com/corralog/agent/internal/fileid"
	"github.com/corralog/agent/internal/governor"
	"github.com/corralog/agent/internal/multiline"
	"github.com/corralog/agent/internal/parser"
	"github.com/corralog/agent/internal/reader"
	"github.com/corralog/agent/internal/record"
	"github.com/corralog/agent/internal/send"
	"github.com/corralog/agent/internal/watch"
)

// DefaultExitBudget bounds how long shutdown waits for the Sender to drain
// in urgent mode before the process exits regardless.
const DefaultExitBudget = 20 * time.Second

// DefaultFlushInterval is how often the main loop asks the Batcher for
// newly-ready batches outside of a record-driven flush.
const DefaultFlushInterval = 500 * time.Millisecond

// DefaultGCInterval is how often the checkpoint Collector sweeps.
const DefaultGCInterval = time.Minute

// DefaultSearchCacheLimit bounds the checkpoint scan's search for a rotated
// file's inode: a directory holding more entries than this is not searched,
// and the scan reports a "search cache exceeded" outcome.
const DefaultSearchCacheLimit = 4096

// Config configures a Controller.
type Config struct {
	ConfigPath string
	Logger     *slog.Logger
	ExitBudget time.Duration

	// Transporter overrides the Sender's default HTTPS transport; nil uses
	// send.HTTPTransporter.
	Transporter send.Transporter
	// Extproc is consulted, when non-nil, to run each parsed record through
	// a registered extended processor before batching.
	Extproc *extproc.Registry

	// UserID and UserDefinedID, when set, are stamped onto every outgoing
	// record's tags (AGENT_USER_ID / AGENT_USER_DEFINED_ID).
	UserID        string
	UserDefinedID string
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ExitBudget <= 0 {
		c.ExitBudget = DefaultExitBudget
	}
}

// readerEntry tracks one live Reader alongside the source it belongs to, so
// the main loop can re-derive its destination, partition, and checkpoint key.
type readerEntry struct {
	r          *reader.Reader
	source     config.Source
	primaryKey string
}

// resumeTarget is one checkpoint the scan decided should be resumed, paired
// with the source configuration that now governs it.
type resumeTarget struct {
	source config.Source
	path   string
	rec    checkpoint.PrimaryRecord
}

// Controller owns one running generation of the pipeline: every collaborator
// wired up at start, plus the goroutines driving them.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	gen     *config.Generation
	store   *checkpoint.Store
	watch   *watch.Set
	batcher *batch.Batcher
	sender  *send.Sender
	gov     *governor.Governor
	gc      *checkpoint.Collector
	alarms  *alarm.Log

	readers map[string]*readerEntry

	running  bool
	swapping bool
	cancel   context.CancelFunc
	eg       *errgroup.Group
}

// New constructs a Controller. Call Start to bring up the first generation.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, log: cfg.Logger, readers: make(map[string]*readerEntry)}
}

// Start runs the full start sequence: load configs, open the Checkpoint
// Store, validate every checkpoint against the current generation, register
// watches, and launch the Sender, Resource Governor, GC, and main loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("pipeline: already running")
	}
	c.mu.Unlock()

	gen, err := config.Load(c.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("pipeline: load config: %w", err)
	}

	store, err := checkpoint.Open(gen.Global.CheckpointPath)
	if err != nil {
		return fmt.Errorf("pipeline: open checkpoint store: %w", err)
	}

	alarmPath := filepath.Join(filepath.Dir(gen.Global.CheckpointPath), "alarms.jsonl")
	alarms, err := alarm.Open(alarmPath, alarm.DefaultWindow)
	if err != nil {
		store.Close()
		return fmt.Errorf("pipeline: open alarm log: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, _ := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.gen = gen
	c.store = store
	c.alarms = alarms
	c.cancel = cancel
	c.eg = eg
	c.running = true
	c.mu.Unlock()

	resumes, err := c.scanCheckpoints(runCtx)
	if err != nil {
		c.log.Warn("pipeline: checkpoint scan reported errors", slog.Any("error", err))
	}

	if err := c.bringUpGeneration(runCtx, eg, resumes); err != nil {
		cancel()
		return err
	}

	c.log.Info("pipeline started",
		slog.Int("sources", len(gen.Sources)),
		slog.Int("destinations", len(gen.Destinations)),
		slog.Int("resumed_files", len(resumes)))
	return nil
}

// bringUpGeneration performs the part of the start sequence shared by the
// initial Start and a config swap: construct the Batcher/Sender/Governor/GC,
// register watches, open resumed readers, and start every goroutine.
func (c *Controller) bringUpGeneration(ctx context.Context, eg *errgroup.Group, resumes []resumeTarget) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	destCfgs := make(map[string]send.DestinationConfig, len(gen.Destinations))
	endpoints := make(map[string]string, len(gen.Destinations))
	for name, d := range gen.Destinations {
		destCfgs[name] = send.DestinationConfig{
			Cmax:               d.MaxConcurrency,
			ConcurrencyMin:     d.MinConcurrency,
			NetErrThreshold:    d.NetworkErrorThreshold,
			QuotaErrThreshold:  d.QuotaErrorThreshold,
			NetBackoffBase:     d.NetworkBackoffBase,
			NetBackoffMax:      d.NetworkBackoffMax,
			NetBackoffFactor:   d.NetworkBackoffFactor,
			QuotaBackoffBase:   d.QuotaBackoffBase,
			QuotaBackoffMax:    d.QuotaBackoffMax,
			QuotaBackoffFactor: d.QuotaBackoffFactor,
		}
		endpoints[name] = d.Endpoint
	}

	batcher, err := batch.New(batch.Config{Compress: true})
	if err != nil {
		return fmt.Errorf("pipeline: construct batcher: %w", err)
	}

	tx := c.cfg.Transporter
	if tx == nil {
		tx = &send.HTTPTransporter{Client: &http.Client{Timeout: 30 * time.Second}}
	}

	c.mu.Lock()
	sender := send.New(send.Config{Destinations: destCfgs, Endpoints: endpoints}, tx, nil, c.alarms, c.log)
	c.batcher = batcher
	c.sender = sender
	c.mu.Unlock()

	sender.Start(ctx)

	gov, err := governor.New(governor.Config{
		MaxCPUCores:         gen.Global.MaxCPUCores,
		MaxRSSBytes:         gen.Global.MaxRSSBytes,
		AutoScaleCPU:        gen.Global.AutoScaleCPU,
		ConsecutiveOverruns: gen.Global.GovernorSamples,
		OldestRecord:        c.oldestUnflushedAge,
		Shutdown:            c.shutdownFromGovernor,
		Logger:              c.log,
	})
	if err != nil {
		return fmt.Errorf("pipeline: construct governor: %w", err)
	}

	gc := checkpoint.NewCollector(c.store, c.log, c.sourceExists)

	c.mu.Lock()
	c.gov = gov
	c.gc = gc
	c.mu.Unlock()

	watchSet, err := watch.New(watch.Config{
		Sources:       sourcesToWatchSources(gen.Sources),
		MaxWatchCount: gen.Global.MaxWatchCount,
		PollInterval:  gen.Global.PollInterval,
		Logger:        c.log,
	})
	if err != nil {
		return fmt.Errorf("pipeline: construct watch set: %w", err)
	}
	if err := watchSet.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start watch set: %w", err)
	}

	c.mu.Lock()
	c.watch = watchSet
	c.mu.Unlock()

	for _, rt := range resumes {
		c.openResumedReader(rt)
	}

	eg.Go(func() error { gov.Run(ctx); return nil })
	eg.Go(func() error { gc.Run(ctx, DefaultGCInterval); return nil })
	eg.Go(func() error { c.runMainLoop(ctx); return nil })
	eg.Go(func() error { c.runFlushLoop(ctx); return nil })

	return nil
}

// Stop performs the shutdown sequence: stop accepting new input, dump
// checkpoints, switch the Sender to urgent mode, and wait for drain up to
// the exit budget.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	sender := c.sender
	batcher := c.batcher
	watchSet := c.watch
	store := c.store
	alarms := c.alarms
	eg := c.eg
	c.mu.Unlock()

	if watchSet != nil {
		_ = watchSet.Stop()
	}

	c.dumpCheckpoints(ctx)

	if cancel != nil {
		cancel()
	}

	if sender != nil && batcher != nil {
		urgentCtx := sender.Urgent(ctx)
		for _, b := range batcher.FlushAll() {
			_ = sender.Submit(urgentCtx, b)
		}
	}

	if eg != nil {
		done := make(chan struct{})
		go func() { eg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(c.cfg.ExitBudget):
			c.log.Warn("pipeline: exit budget exceeded, proceeding with shutdown")
		}
	}

	if sender != nil {
		sender.Stop()
	}
	if alarms != nil {
		_ = alarms.Close()
	}
	if store != nil {
		_ = store.Close()
	}

	c.log.Info("pipeline stopped")
	return nil
}

// ForceFlush implements diag.Controller: seals every bucket immediately
// regardless of threshold.
func (c *Controller) ForceFlush(ctx context.Context) error {
	c.mu.Lock()
	batcher, sender := c.batcher, c.sender
	c.mu.Unlock()
	if batcher == nil || sender == nil {
		return fmt.Errorf("pipeline: not running")
	}
	for _, b := range batcher.FlushAll() {
		if err := sender.Submit(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// ForceConfigSwap implements diag.Controller: reloads configuration and
// swaps generations in place without restarting the process.
func (c *Controller) ForceConfigSwap(ctx context.Context) error {
	c.mu.Lock()
	if c.swapping {
		c.mu.Unlock()
		return fmt.Errorf("pipeline: swap already in progress")
	}
	c.swapping = true
	oldCancel := c.cancel
	oldWatch := c.watch
	oldSender := c.sender
	oldBatcher := c.batcher
	oldEg := c.eg
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.swapping = false
		c.mu.Unlock()
	}()

	gen, err := config.Load(c.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("pipeline: config swap: reload failed, keeping current generation: %w", err)
	}

	if oldWatch != nil {
		_ = oldWatch.Stop()
	}
	c.dumpCheckpoints(ctx)
	c.closeAllReaders()

	if oldBatcher != nil && oldSender != nil {
		for _, b := range oldBatcher.FlushAll() {
			_ = oldSender.Submit(ctx, b)
		}
	}
	if oldSender != nil {
		oldSender.Stop()
	}
	if oldCancel != nil {
		oldCancel()
	}
	if oldEg != nil {
		_ = oldEg.Wait()
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, _ := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.gen = gen
	c.cancel = cancel
	c.eg = eg
	c.mu.Unlock()

	resumes, err := c.scanCheckpoints(runCtx)
	if err != nil {
		c.log.Warn("pipeline: checkpoint scan reported errors during swap", slog.Any("error", err))
	}
	if err := c.bringUpGeneration(runCtx, eg, resumes); err != nil {
		cancel()
		return fmt.Errorf("pipeline: config swap: %w", err)
	}

	c.log.Info("pipeline: config swap complete", slog.Int("sources", len(gen.Sources)))
	return nil
}

// Health reports the Controller's current condition for the diagnostics
// server's /healthz endpoint.
func (c *Controller) Health() diag.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return diag.HealthStatus{
		Healthy:       c.running,
		ActiveSources: len(c.readers),
	}
}

// runMainLoop drains the Watch Set's event stream, opening or driving a
// Reader for every matching path and feeding its output into the Batcher.
// It is the single input thread: one goroutine, readers driven sequentially.
func (c *Controller) runMainLoop(ctx context.Context) {
	c.mu.Lock()
	watchSet := c.watch
	c.mu.Unlock()
	if watchSet == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watchSet.Events():
			if !ok {
				return
			}
			c.handleWatchEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleWatchEvent(ctx context.Context, ev watch.Event) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if gen == nil {
		return
	}

	src, ok := matchSource(gen.Sources, ev.Path)
	if !ok {
		return
	}

	switch ev.Kind {
	case watch.KindRemove:
		c.driveReader(ctx, src, ev.Path)
		c.closeReaderForPath(src, ev.Path)
	default:
		c.driveReader(ctx, src, ev.Path)
	}
}

// driveReader opens a Reader for (source, path) on first sight and ticks it,
// feeding every parsed record into the Batcher.
func (c *Controller) driveReader(ctx context.Context, src config.Source, path string) {
	primaryKey := checkpoint.PrimaryKey(src.Name, path)

	c.mu.Lock()
	entry, ok := c.readers[primaryKey]
	c.mu.Unlock()

	if !ok {
		r, err := reader.Open(readerConfigFor(src, path, c.log), c.store)
		if err != nil {
			var openErr *reader.OpenError
			if errors.As(err, &openErr) && openErr.Outcome == reader.OutcomePermissionDenied {
				c.alarms.Raise(alarm.KindCheckpointError, path, "permission denied opening source file")
			}
			return
		}
		entry = &readerEntry{r: r, source: src, primaryKey: primaryKey}
		c.mu.Lock()
		c.readers[primaryKey] = entry
		c.mu.Unlock()
	}

	recs, outcome, err := entry.r.Tick(ctx)
	if err != nil {
		c.log.Warn("pipeline: reader tick failed", slog.String("path", path), slog.Any("error", err))
	}
	c.emit(ctx, src, recs)

	if outcome == reader.OutcomeClosed {
		c.mu.Lock()
		delete(c.readers, primaryKey)
		c.mu.Unlock()
	}
}

// openResumedReader opens a Reader picking up exactly where a validated
// checkpoint left off, registering it under the same primary key so a
// subsequent watch event drives the same Reader instance rather than
// starting a second one from offset 0.
func (c *Controller) openResumedReader(rt resumeTarget) {
	primaryKey := checkpoint.PrimaryKey(rt.source.Name, rt.path)
	r, err := reader.Resume(readerConfigFor(rt.source, rt.path, c.log), c.store, rt.rec)
	if err != nil {
		c.log.Warn("pipeline: failed to resume reader", slog.String("path", rt.path), slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.readers[primaryKey] = &readerEntry{r: r, source: rt.source, primaryKey: primaryKey}
	c.mu.Unlock()
}

func (c *Controller) closeReaderForPath(src config.Source, path string) {
	primaryKey := checkpoint.PrimaryKey(src.Name, path)
	c.mu.Lock()
	entry, ok := c.readers[primaryKey]
	if ok {
		delete(c.readers, primaryKey)
	}
	c.mu.Unlock()
	if ok {
		_ = entry.r.Close()
	}
}

func (c *Controller) closeAllReaders() {
	c.mu.Lock()
	entries := make([]*readerEntry, 0, len(c.readers))
	for _, e := range c.readers {
		entries = append(entries, e)
	}
	c.readers = make(map[string]*readerEntry)
	c.mu.Unlock()
	for _, e := range entries {
		_ = e.r.Close()
	}
}

// emit hands each record through the extended processor (if one is
// registered for this source), then adds whatever survives to the Batcher.
func (c *Controller) emit(ctx context.Context, src config.Source, recs []record.Record) {
	c.mu.Lock()
	batcher := c.batcher
	c.mu.Unlock()
	if batcher == nil {
		return
	}

	for _, rec := range recs {
		rec.Tags.UserID = c.cfg.UserID
		rec.Tags.UserDefinedID = c.cfg.UserDefinedID

		if c.cfg.Extproc != nil {
			out, status := c.cfg.Extproc.Apply(ctx, src.Name, rec)
			if status == extproc.StatusDrop {
				continue
			}
			if status == extproc.StatusError {
				c.alarms.Raise(alarm.KindParseFailure, src.Name, "extended processor returned an error status")
				continue
			}
			rec = out
		}

		partition := src.Name
		if err := batcher.Add(src.Destination, partition, rec); err != nil {
			c.alarms.Raise(alarm.KindResourceOverrun, src.Destination, err.Error())
		}
	}
}

// runFlushLoop periodically asks the Batcher for ready batches and submits
// them to the Sender; this is the processing-thread boundary into the
// Sender pool.
func (c *Controller) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			batcher, sender := c.batcher, c.sender
			c.mu.Unlock()
			if batcher == nil || sender == nil {
				continue
			}
			for _, b := range batcher.ReadyBatches(time.Now()) {
				if err := sender.Submit(ctx, b); err != nil {
					c.log.Warn("pipeline: failed to submit batch", slog.Any("error", err))
				}
			}
		}
	}
}

// dumpCheckpoints persists every live Reader's current offset/identity as a
// primary checkpoint in one atomic batch_put.
func (c *Controller) dumpCheckpoints(ctx context.Context) {
	c.mu.Lock()
	store := c.store
	entries := make([]*readerEntry, 0, len(c.readers))
	for _, e := range c.readers {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	if store == nil || len(entries) == 0 {
		return
	}

	puts := make([]checkpoint.Entry, 0, len(entries))
	for _, e := range entries {
		rec := e.r.Checkpoint()
		puts = append(puts, checkpoint.Entry{Key: e.primaryKey, Value: rec.Encode()})
	}
	if _, err := store.BatchPut(ctx, puts); err != nil {
		c.log.Warn("pipeline: failed to dump checkpoints", slog.Any("error", err))
	}
}

func (c *Controller) sourceExists(name string) bool {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if gen == nil {
		return false
	}
	for _, s := range gen.Sources {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (c *Controller) oldestUnflushedAge() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	for _, re := range c.readers {
		t := re.r.LastReadTime()
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return time.Since(oldest), true
}

func (c *Controller) shutdownFromGovernor(reason string) {
	c.log.Error("pipeline: governor requested shutdown", slog.String("reason", reason))
	go func() { _ = c.Stop(context.Background()) }()
}

func sourcesToWatchSources(srcs []config.Source) []watch.Source {
	out := make([]watch.Source, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, watch.Source{Name: s.Name, Glob: s.Glob, MaxDepth: s.MaxDepth})
	}
	return out
}

func matchSource(srcs []config.Source, path string) (config.Source, bool) {
	for _, s := range srcs {
		if matchesGlob(s.Glob, path) {
			return s, true
		}
	}
	return config.Source{}, false
}

func matchesGlob(glob, path string) bool {
	ok, err := filepath.Match(glob, path)
	if err == nil && ok {
		return true
	}
	// filepath.Match does not cross path separators; a glob like
	// "/var/log/**/*.log" has no stdlib equivalent, so fall back to a
	// directory-prefix check against the glob's literal base.
	base := strings.TrimSuffix(glob, filepath.Base(glob))
	if i := strings.IndexAny(glob, "*?["); i >= 0 {
		base = glob[:strings.LastIndexByte(glob[:i], filepath.Separator)+1]
	}
	return strings.HasPrefix(path, base) && strings.HasSuffix(path, filepath.Ext(glob))
}

func readerConfigFor(src config.Source, path string, logger *slog.Logger) reader.Config {
	var terminator byte = '\n'
	if len(src.LineTerminator) > 0 {
		terminator = src.LineTerminator[0]
	}
	return reader.Config{
		SourceName:       src.Name,
		SourceID:         src.Name,
		Path:             path,
		DiscardOldCutoff: src.DiscardOldCutoff,
		SignatureBytes:   src.SignatureBytes,
		Terminator:       terminator,
		Encoding:         src.Encoding,
		WholeBuffer:      src.Parser.Mode == "json" && src.Multiline.Mode == "single",
		Multiline: multiline.Config{
			Mode:            multiline.Mode(src.Multiline.Mode),
			StartPattern:    src.Multiline.StartPattern,
			ContinuePattern: src.Multiline.ContinuePattern,
			EndPattern:      src.Multiline.EndPattern,
			UnmatchedPolicy: multiline.UnmatchedPolicy(src.Multiline.UnmatchedPolicy),
			Timeout:         src.Multiline.Timeout,
		},
		Parser: parser.Config{
			Mode:           parser.Mode(src.Parser.Mode),
			RawKey:         src.Parser.RawKey,
			RegexPattern:   src.Parser.RegexPattern,
			TimeField:      src.Parser.TimeField,
			TimeFormat:     src.Parser.TimeFormat,
			KeepOnMismatch: src.Parser.KeepOnMismatch,
			Delimiter:      src.Parser.Delimiter,
			Quote:          src.Parser.Quote,
			Keys:           src.Parser.Keys,
		},
		Logger: logger,
	}
}

// scanCheckpoints applies the checkpoint scan validation table: for every
// primary checkpoint on disk, decide whether to resume it (possibly against
// a rotated path), drop it, or delete it outright.
func (c *Controller) scanCheckpoints(ctx context.Context) ([]resumeTarget, error) {
	c.mu.Lock()
	store, gen, alarms := c.store, c.gen, c.alarms
	c.mu.Unlock()

	type found struct {
		key string
		rec checkpoint.PrimaryRecord
	}
	var all []found

	err := store.Scan(ctx, checkpoint.Full(), func(e checkpoint.Entry) error {
		if !strings.HasPrefix(e.Key, "P:") {
			return nil
		}
		rec, err := checkpoint.DecodePrimary(e.Value)
		if err != nil {
			return nil // corrupt entry: leave for checkpoint GC, not fatal to the scan
		}
		all = append(all, found{key: e.Key, rec: rec})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var resumes []resumeTarget
	var toDelete []string

	for _, f := range all {
		src, ok := sourceByName(gen.Sources, f.rec.SourceName)
		if !ok {
			// Config name no longer present -> delete checkpoint.
			toDelete = append(toDelete, f.key)
			continue
		}

		dev, ino, size, statErr := fileid.Stat(f.rec.Path)
		if statErr == nil {
			sameFile := dev == f.rec.Identity.Device && ino == f.rec.Identity.Inode
			if sameFile {
				sig, sigOK := computeSignature(f.rec.Path, size, f.rec.Identity.SigSize)
				if !sigOK || sig == f.rec.Identity.Signature {
					// Signature matches, or too small to verify yet: normal
					// resume.
					resumes = append(resumes, resumeTarget{source: src, path: f.rec.Path, rec: f.rec})
				} else {
					// (dev, inode) match but signature differs: drop
					// checkpoint, treat as a new file.
					toDelete = append(toDelete, f.key)
				}
				continue
			}
			// Path resolves but now names a different inode: fall through to
			// the rotation search below, since the original inode may still
			// exist elsewhere in the directory tree.
		}

		// Path does not resolve (or now names a different file): search the
		// containing directory for the checkpoint's inode.
		newPath, searchErr := searchForInode(filepath.Dir(f.rec.Path), f.rec.Identity, DefaultSearchCacheLimit)
		switch {
		case searchErr == errSearchCacheExceeded:
			toDelete = append(toDelete, f.key)
			if alarms != nil {
				alarms.Raise(alarm.KindWatchLimit, f.rec.Path, "checkpoint scan search cache exceeded")
			}
		case newPath != "":
			rec := f.rec
			rec.Path = newPath
			resumes = append(resumes, resumeTarget{source: src, path: newPath, rec: rec})
		default:
			toDelete = append(toDelete, f.key)
		}
	}

	if len(toDelete) > 0 {
		if _, err := store.BatchDelete(ctx, toDelete); err != nil {
			c.log.Warn("pipeline: failed to delete stale checkpoints", slog.Any("error", err))
		}
	}

	sort.Slice(resumes, func(i, j int) bool { return resumes[i].path < resumes[j].path })
	return resumes, nil
}

func sourceByName(srcs []config.Source, name string) (config.Source, bool) {
	for _, s := range srcs {
		if s.Name == name {
			return s, true
		}
	}
	return config.Source{}, false
}

// computeSignature hashes the first sigSize bytes of path, returning ok=true
// only if the file is currently large enough to produce a full signature —
// mirroring fileid.Signature's "defer verification" rule.
func computeSignature(path string, size int64, sigSize int) (sig string, ok bool) {
	if sigSize <= 0 {
		sigSize = fileid.DefaultSignatureSize
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	s, _, sigOK, err := fileid.Signature(f, sigSize)
	if err != nil {
		return "", false
	}
	return s, sigOK
}

// errSearchCacheExceeded signals that the rotation search's directory held
// more entries than DefaultSearchCacheLimit, so none of them was examined.
var errSearchCacheExceeded = errors.New("pipeline: search cache exceeded")

// searchForInode looks for a regular file in dir whose (device, inode)
// matches id and whose signature matches id.Signature, bounded by limit
// directory entries, to recover a checkpointed file after rotation.
func searchForInode(dir string, id fileid.Identity, limit int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil
	}
	if len(entries) > limit {
		return "", errSearchCacheExceeded
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		dev, ino, size, err := fileid.Stat(candidate)
		if err != nil || dev != id.Device || ino != id.Inode {
			continue
		}
		if sig, ok := computeSignature(candidate, size, id.SigSize); !ok || sig == id.Signature {
			return candidate, nil
		}
	}
	return "", nil
}
