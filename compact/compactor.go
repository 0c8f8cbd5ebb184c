// Package compact folds pending changelog entries into snapshots so the
// changelog never grows unboundedly and cold-start replay stays cheap.
package compact

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"datagrid-studio/persistence/changelog"
	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/engine"
	"datagrid-studio/persistence/registry"
	"datagrid-studio/persistence/snapshot"
	"datagrid-studio/persistence/status"
)

// Compactor evaluates the two-threshold trigger policy on a timer and folds
// the changelog into snapshots under a cross-process lock.
type Compactor struct {
	log    *changelog.Store
	snaps  *snapshot.Store
	eng    engine.Engine
	reg    *registry.Registry
	status *status.Tracker
	lock   *flock.Flock
	cfg    config.CompactorConfig

	lastActivity atomic.Int64 // unix nanos of the last user activity signal
	running      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Compactor. The lock file lives inside the snapshot directory
// so all processes attached to the same storage area contend on it.
func New(log *changelog.Store, snaps *snapshot.Store, eng engine.Engine, reg *registry.Registry, st *status.Tracker, cfg config.CompactorConfig) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())

	lockName := cfg.LockName
	if lockName == "" {
		lockName = "compaction.lock"
	}

	c := &Compactor{
		log:    log,
		snaps:  snaps,
		eng:    eng,
		reg:    reg,
		status: st,
		lock:   flock.New(filepath.Join(snaps.Dir(), lockName)),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// NoteActivity records a user activity signal; the idle trigger measures
// from the most recent one.
func (c *Compactor) NoteActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Start begins the background trigger loop.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.run()
	slog.Info("compactor started",
		slog.Duration("tick", c.cfg.Tick),
		slog.Duration("idle_after", c.cfg.IdleAfter),
		slog.Int64("max_pending", c.cfg.MaxPending))
}

// Stop gracefully stops the compactor and waits for completion.
func (c *Compactor) Stop() {
	slog.Info("stopping compactor")
	c.cancel()
	c.wg.Wait()
	slog.Info("compactor stopped")
}

// run is the main loop: every tick, re-evaluate the trigger conditions.
func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.shouldCompact() {
				if err := c.RunNow(c.ctx); err != nil {
					slog.Error("scheduled compaction failed", slog.Any("error", err))
				}
			}
		}
	}
}

// shouldCompact applies the two-threshold policy: pending count, or any
// pending entries while the system has been idle long enough. Only entries a
// cycle could actually fold count toward the triggers; a frozen or
// registry-unknown table's backlog waits for its thaw and must not spin the
// idle trigger on no-op cycles.
func (c *Compactor) shouldCompact() bool {
	byTable, err := c.log.PendingByTable()
	if err != nil {
		slog.Error("failed to read pending changelog count", slog.Any("error", err))
		return false
	}
	var pending int64
	for tableID, p := range byTable {
		t, ok := c.reg.Get(tableID)
		if !ok || t.State != registry.Thawed {
			continue
		}
		pending += int64(p.Count)
	}
	if pending == 0 {
		return false
	}
	if pending >= c.cfg.MaxPending {
		slog.Info("compaction triggered by pending count",
			slog.Int64("pending", pending),
			slog.Int64("threshold", c.cfg.MaxPending))
		return true
	}

	idle := time.Since(time.Unix(0, c.lastActivity.Load()))
	if idle >= c.cfg.IdleAfter {
		slog.Info("compaction triggered by idle period",
			slog.Duration("idle", idle),
			slog.Int64("pending", pending))
		return true
	}
	return false
}

// RunNow performs one compaction cycle. A second immediate call with no new
// edits performs zero exports: entries are cleared only after their table's
// export is confirmed, so the pending count is already zero.
func (c *Compactor) RunNow(ctx context.Context) error {
	// Single compaction per process at a time
	if !c.running.CompareAndSwap(false, true) {
		slog.Debug("compaction already running, skipping")
		return nil
	}
	defer c.running.Store(false)

	// Cross-process exclusion: lock failures are deferred to the next cycle,
	// never retried synchronously.
	locked, err := c.lock.TryLock()
	if err != nil {
		slog.Warn("compaction lock acquisition failed", slog.Any("error", err))
		return nil
	}
	if !locked {
		slog.Debug("compaction lock held elsewhere, deferring")
		return nil
	}
	defer func() {
		if err := c.lock.Unlock(); err != nil {
			slog.Warn("failed to release compaction lock", slog.Any("error", err))
		}
	}()

	c.status.SetCompaction(status.Running)
	defer c.status.SetCompaction(status.Idle)

	// Capture counts and per-table high-water keys in one consistent view;
	// edits appended during an export window sort above the bound and are
	// left behind for the next cycle.
	byTable, err := c.log.PendingByTable()
	if err != nil {
		return err
	}
	if len(byTable) == 0 {
		return nil
	}

	start := time.Now()
	compacted := 0
	for tableID, p := range byTable {
		t, ok := c.reg.Get(tableID)
		if !ok {
			// Entries for a table not in the registry (e.g. mid-rehydration);
			// leave them for a later cycle.
			slog.Debug("skipping changelog for unknown table", slog.String("table_id", tableID))
			continue
		}

		// Never race a structural mutation; skip this table for the cycle.
		if c.eng.MutationInProgress(t.Name) {
			slog.Debug("skipping mid-transform table", slog.String("table", t.Name))
			continue
		}

		if t.State != registry.Thawed {
			// A frozen table's snapshot was written when it was frozen; its
			// changelog entries are replayed on the next thaw, not here.
			continue
		}

		// The entries are already applied in the live engine state, so a
		// successful export persists them; only then is the changelog
		// cleared. A failure leaves the entries intact for retry.
		if err := c.snaps.ExportTable(ctx, c.eng, t.Name, tableID, nil); err != nil {
			slog.Error("compaction export failed, keeping changelog",
				slog.String("table", t.Name),
				slog.Any("error", err))
			c.status.SetPersistence(status.Error)
			continue
		}
		if err := c.log.ClearThrough(tableID, p.HighWater); err != nil {
			slog.Error("failed to clear changelog after export",
				slog.String("table", t.Name),
				slog.Any("error", err))
			c.status.SetPersistence(status.Error)
			continue
		}
		compacted += p.Count
	}

	pending, err := c.log.TotalCount()
	if err == nil {
		c.status.SetPending(pending)
	}

	slog.Info("compaction cycle completed",
		slog.Int("entries_compacted", compacted),
		slog.Int("tables", len(byTable)),
		slog.Duration("duration", time.Since(start)))

	return nil
}
