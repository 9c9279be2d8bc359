package checkpoint

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DefaultGracePeriod is how long a primary checkpoint may sit on the
// deferred-delete list before the collector removes it unconditionally.
const DefaultGracePeriod = 10 * time.Minute

// SourceExists reports whether a source configuration with the given name
// is still present in the current generation. The Collector calls this to
// decide the "config name no longer exists" deletion rule.
type SourceExists func(sourceName string) bool

// Collector runs a single-threaded, incremental garbage-collection loop. It
// deletes a primary checkpoint (and its range checkpoints, found by key
// prefix) when either:
//   - its source config no longer exists, or
//   - it has sat on the deferred-delete list (MarkGC) longer than GracePeriod.
//
// The sweep does not inspect range checkpoints' status or age, and
// RetentionPeriod is not consulted.
type Collector struct {
	Store        *Store
	Logger       *slog.Logger
	SourceExists SourceExists

	ScanBudgetMs    int
	GracePeriod     time.Duration
	RetentionPeriod time.Duration
}

// NewCollector constructs a Collector with spec-default timing.
func NewCollector(store *Store, logger *slog.Logger, sourceExists SourceExists) *Collector {
	return &Collector{
		Store:           store,
		Logger:          logger,
		SourceExists:    sourceExists,
		ScanBudgetMs:    50,
		GracePeriod:     DefaultGracePeriod,
		RetentionPeriod: 24 * time.Hour,
	}
}

// Run loops an incremental scan every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil {
				c.Logger.Warn("checkpoint gc: sweep failed", slog.Any("error", err))
			}
		}
	}
}

// sweep performs one incremental scan pass and deletes any primary (plus its
// ranges) that matches a deletion rule.
func (c *Collector) sweep(ctx context.Context) error {
	var toDelete []string
	now := time.Now()

	err := c.Store.Scan(ctx, Incremental(c.ScanBudgetMs), func(e Entry) error {
		if !strings.HasPrefix(e.Key, "P:") {
			return nil
		}
		rec, err := DecodePrimary(e.Value)
		if err != nil {
			return nil // corrupt entry: leave for a future sweep, don't crash GC
		}
		if c.SourceExists != nil && !c.SourceExists(rec.SourceName) {
			toDelete = append(toDelete, e.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	marked, err := c.Store.MarkedBefore(ctx, now.Add(-c.GracePeriod))
	if err != nil {
		return err
	}
	toDelete = append(toDelete, marked...)

	if len(toDelete) == 0 {
		return nil
	}

	var keys []string
	for _, primaryKey := range toDelete {
		keys = append(keys, primaryKey)
		if err := c.Store.Scan(ctx, Full(), func(e Entry) error {
			if strings.HasPrefix(e.Key, "R:"+primaryKey+":") {
				keys = append(keys, e.Key)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if _, err := c.Store.BatchDelete(ctx, keys); err != nil {
		return err
	}
	c.Logger.Info("checkpoint gc: deleted checkpoints", slog.Int("count", len(keys)))
	return nil
}
