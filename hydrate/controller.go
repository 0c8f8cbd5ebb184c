// Package hydrate moves tables between their materialization states:
// unloaded, frozen (metadata only, data in snapshots), and thawed (resident
// in the query engine). At most one table is thawed at a time, which bounds
// engine memory to roughly one table regardless of catalog size.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/errgroup"

	"datagrid-studio/persistence/changelog"
	"datagrid-studio/persistence/engine"
	"datagrid-studio/persistence/registry"
	"datagrid-studio/persistence/snapshot"
)

// ErrRehydrateInProgress is returned when a rehydration is requested while
// one is already running.
var ErrRehydrateInProgress = errors.New("rehydration already in progress")

// ErrUnknownTable is returned for operations on a table not in the catalog.
var ErrUnknownTable = errors.New("unknown table")

// probeConcurrency bounds parallel shard-footer probes during boot.
const probeConcurrency = 4

// Saver is the save-scheduler surface the controller needs: flushing a
// table's unsaved structural changes before freezing it, and keeping the
// scheduler's per-table view in sync with the catalog.
type Saver interface {
	SaveIfDirty(ctx context.Context, tableID string) error
	Observe(tableID string, dataVersion, rowCount int64)
	Forget(tableID string)
}

// Controller orchestrates boot, freeze/thaw transitions, and deletion.
type Controller struct {
	eng       engine.Engine
	snaps     *snapshot.Store
	log       *changelog.Store
	reg       *registry.Registry
	saver     Saver
	statePath string

	// metaCache avoids re-probing shard footers for frozen tables that are
	// repeatedly listed but never thawed.
	metaCache *otter.Cache[string, snapshot.TableInfo]

	mu          sync.Mutex // serializes state transitions
	rehydrating atomic.Bool
}

// NewController creates a hydration controller. statePath locates the saved
// application-state file.
func NewController(eng engine.Engine, snaps *snapshot.Store, log *changelog.Store, reg *registry.Registry, saver Saver, statePath string) *Controller {
	return &Controller{
		eng:       eng,
		snaps:     snaps,
		log:       log,
		reg:       reg,
		saver:     saver,
		statePath: statePath,
		metaCache: otter.Must(&otter.Options[string, snapshot.TableInfo]{
			MaximumSize:      512,
			ExpiryCalculator: otter.ExpiryWriting[string, snapshot.TableInfo](10 * time.Minute),
		}),
	}
}

// Boot restores the session from disk: cleans up leftovers from interrupted
// writes, registers every snapshot as a frozen table, then thaws the
// previously active table and replays its pending changelog.
func (c *Controller) Boot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, err := c.snaps.CleanupOrphanedTransients(); err != nil {
		slog.Warn("transient cleanup failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("removed orphaned transient files", slog.Int("count", n))
	}
	if n, err := c.snaps.CleanupCorrupt(); err != nil {
		slog.Warn("corrupt shard cleanup failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("removed corrupt snapshot shards", slog.Int("count", n))
	}

	return c.restoreLocked(ctx)
}

// Rehydrate rebuilds the catalog after a query-engine restart. The engine's
// in-memory tables are gone; snapshots and the changelog are the source of
// truth. Guarded against concurrent invocation.
func (c *Controller) Rehydrate(ctx context.Context) error {
	if !c.rehydrating.CompareAndSwap(false, true) {
		return ErrRehydrateInProgress
	}
	defer c.rehydrating.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	slog.Info("rehydrating after engine restart")
	c.reg.Clear()
	return c.restoreLocked(ctx)
}

// restoreLocked registers every snapshot as frozen and thaws the previously
// active table.
func (c *Controller) restoreLocked(ctx context.Context) error {
	st := loadAppState(c.statePath)

	ids, err := c.snaps.List()
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	metaByID := make(map[string]TableMeta)
	if st != nil {
		for _, m := range st.Tables {
			metaByID[m.ID] = m
		}
	}

	// Probe shard footers only for snapshots the app state does not cover.
	var (
		g       errgroup.Group
		probeMu sync.Mutex
		probed  = make(map[string]*snapshot.TableInfo)
	)
	g.SetLimit(probeConcurrency)
	for _, id := range ids {
		if snapshot.IsTransientID(id) {
			continue
		}
		if _, ok := metaByID[id]; ok {
			continue
		}
		id := id
		g.Go(func() error {
			info, err := c.statSnapshot(id)
			if err != nil {
				slog.Warn("skipping unreadable snapshot",
					slog.String("snapshot_id", id),
					slog.Any("error", err))
				return nil
			}
			probeMu.Lock()
			probed[id] = info
			probeMu.Unlock()
			return nil
		})
	}
	g.Wait()

	registered := 0
	for _, id := range ids {
		if snapshot.IsTransientID(id) {
			continue
		}
		var t registry.Table
		if m, ok := metaByID[id]; ok {
			t = registry.Table{
				ID:          id,
				Name:        m.Name,
				Columns:     m.engineColumns(),
				RowCount:    m.RowCount,
				ColumnOrder: m.ColumnOrder,
				State:       registry.Frozen,
			}
		} else if info, ok := probed[id]; ok {
			t = registry.Table{
				ID:       id,
				Name:     info.Name,
				Columns:  info.Columns,
				RowCount: info.RowCount,
				State:    registry.Frozen,
			}
		} else {
			continue
		}
		c.reg.Upsert(t)
		c.saver.Observe(id, 0, t.RowCount)
		registered++
	}

	slog.Info("catalog restored", slog.Int("tables", registered))
	if registered == 0 {
		return nil
	}

	activeID := ""
	if st != nil {
		if _, ok := c.reg.Get(st.ActiveTableID); ok {
			activeID = st.ActiveTableID
		}
	}
	if activeID == "" {
		activeID = c.reg.All()[0].ID
	}

	if err := c.thawLocked(ctx, activeID); err != nil {
		return fmt.Errorf("failed to thaw table %q: %w", activeID, err)
	}

	if err := c.saveAppStateLocked(); err != nil {
		slog.Warn("failed to save app state after restore", slog.Any("error", err))
	}
	return nil
}

// SwitchActive freezes the currently thawed table and thaws the target.
func (c *Controller) SwitchActive(ctx context.Context, tableID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}
	if t.State == registry.Thawed {
		c.reg.SetActive(tableID)
		return nil
	}

	if cur, ok := c.reg.Active(); ok && cur.State == registry.Thawed {
		if err := c.freezeLocked(ctx, cur.ID); err != nil {
			return fmt.Errorf("failed to freeze table %q: %w", cur.ID, err)
		}
	}

	if err := c.thawLocked(ctx, tableID); err != nil {
		return fmt.Errorf("failed to thaw table %q: %w", tableID, err)
	}

	if err := c.saveAppStateLocked(); err != nil {
		slog.Warn("failed to save app state after switch", slog.Any("error", err))
	}
	return nil
}

// RegisterNew adopts a table that was just materialized in the engine (for
// example from a file import), making it the active thawed table.
func (c *Controller) RegisterNew(ctx context.Context, tableName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := snapshot.NormalizeID(tableName)
	if id == "" {
		return "", fmt.Errorf("table name %q normalizes to an empty id", tableName)
	}

	cols, err := c.eng.Columns(ctx, tableName)
	if err != nil {
		return "", fmt.Errorf("failed to read columns of %q: %w", tableName, err)
	}
	rowCount, err := c.eng.RowCount(ctx, tableName)
	if err != nil {
		return "", fmt.Errorf("failed to count rows of %q: %w", tableName, err)
	}

	if cur, ok := c.reg.Active(); ok && cur.ID != id && cur.State == registry.Thawed {
		if err := c.freezeLocked(ctx, cur.ID); err != nil {
			return "", fmt.Errorf("failed to freeze table %q: %w", cur.ID, err)
		}
	}

	c.reg.Upsert(registry.Table{
		ID:       id,
		Name:     tableName,
		Columns:  cols,
		RowCount: rowCount,
		State:    registry.Thawed,
	})
	c.reg.SetState(id, registry.Thawed)
	c.reg.SetActive(id)
	c.saver.Observe(id, 0, rowCount)

	if err := c.saveAppStateLocked(); err != nil {
		slog.Warn("failed to save app state after register", slog.Any("error", err))
	}

	slog.Info("table registered",
		slog.String("table", tableName),
		slog.String("table_id", id),
		slog.Int64("rows", rowCount))
	return id, nil
}

// DeleteTable removes a table everywhere: the engine if thawed, all snapshot
// shards, and any pending changelog entries. Pending entries are discarded,
// never replayed.
func (c *Controller) DeleteTable(ctx context.Context, tableID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}

	if t.State == registry.Thawed {
		if err := c.eng.DropTable(ctx, t.Name); err != nil {
			return fmt.Errorf("failed to drop table %q: %w", t.Name, err)
		}
	}
	if err := c.snaps.Delete(tableID); err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", tableID, err)
	}
	if err := c.log.Clear(tableID); err != nil {
		slog.Warn("failed to clear changelog of deleted table",
			slog.String("table_id", tableID),
			slog.Any("error", err))
	}

	c.reg.Remove(tableID)
	c.saver.Forget(tableID)
	c.metaCache.Invalidate(tableID)

	if err := c.saveAppStateLocked(); err != nil {
		slog.Warn("failed to save app state after delete", slog.Any("error", err))
	}

	slog.Info("table deleted", slog.String("table_id", tableID))
	return nil
}

// SaveAppState persists the current catalog and active selection.
func (c *Controller) SaveAppState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveAppStateLocked()
}

func (c *Controller) saveAppStateLocked() error {
	st := &AppState{}
	if active, ok := c.reg.Active(); ok {
		st.ActiveTableID = active.ID
	}
	for _, t := range c.reg.All() {
		st.Tables = append(st.Tables, tableMeta(t))
	}
	return writeAppState(c.statePath, st)
}

// thawLocked materializes a frozen table in the engine and replays its
// pending changelog entries, which stay in the changelog until compaction
// folds them into a fresh snapshot.
func (c *Controller) thawLocked(ctx context.Context, tableID string) error {
	t, ok := c.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}

	start := time.Now()
	info, err := c.snaps.ImportTable(ctx, c.eng, tableID, t.Name)
	if err != nil {
		return err
	}

	entries, err := c.log.ForTable(tableID)
	if err != nil {
		return fmt.Errorf("failed to read changelog for %q: %w", tableID, err)
	}

	replayed, skipped := 0, 0
	for _, e := range entries {
		err := c.eng.UpdateCell(ctx, t.Name, e.Column, e.RowID, e.NewValue)
		switch {
		case err == nil:
			replayed++
		case errors.Is(err, engine.ErrRowNotFound):
			// The row was removed by a later structural change; the entry is
			// stale and harmless.
			skipped++
		default:
			skipped++
			slog.Warn("changelog replay failed for entry",
				slog.String("table", t.Name),
				slog.String("column", e.Column),
				slog.Int64("row_id", e.RowID),
				slog.Any("error", err))
		}
	}

	c.reg.SetRowCount(tableID, info.RowCount)
	c.reg.SetState(tableID, registry.Thawed)
	c.reg.SetActive(tableID)
	c.saver.Observe(tableID, t.DataVersion, info.RowCount)

	slog.Info("table thawed",
		slog.String("table", t.Name),
		slog.String("table_id", tableID),
		slog.Int64("rows", info.RowCount),
		slog.Int("replayed", replayed),
		slog.Int("replay_skipped", skipped),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// freezeLocked persists a thawed table and evicts it from the engine. Any
// pending cell edits are captured by the export, so the table's changelog is
// cleared afterwards.
func (c *Controller) freezeLocked(ctx context.Context, tableID string) error {
	t, ok := c.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}

	if err := c.saver.SaveIfDirty(ctx, tableID); err != nil {
		return err
	}

	entries, highWater, err := c.log.ForTableBounded(tableID)
	if err != nil {
		return fmt.Errorf("failed to read changelog for %q: %w", tableID, err)
	}
	hasSnapshot, err := c.snaps.Exists(tableID)
	if err != nil {
		return err
	}
	if len(entries) > 0 || !hasSnapshot {
		if err := c.snaps.ExportTable(ctx, c.eng, t.Name, tableID, nil); err != nil {
			return err
		}
		if err := c.log.ClearThrough(tableID, highWater); err != nil {
			return fmt.Errorf("failed to clear changelog for %q: %w", tableID, err)
		}
	}

	rowCount, err := c.eng.RowCount(ctx, t.Name)
	if err == nil {
		c.reg.SetRowCount(tableID, rowCount)
	}

	if err := c.eng.DropTable(ctx, t.Name); err != nil {
		return fmt.Errorf("failed to evict table %q: %w", t.Name, err)
	}
	c.reg.SetState(tableID, registry.Frozen)

	if info, err := c.statSnapshot(tableID); err == nil {
		c.metaCache.Set(tableID, *info)
	}

	slog.Info("table frozen",
		slog.String("table", t.Name),
		slog.String("table_id", tableID))
	return nil
}

// statSnapshot reads a snapshot's metadata, via the probe cache.
func (c *Controller) statSnapshot(snapshotID string) (*snapshot.TableInfo, error) {
	if info, ok := c.metaCache.GetIfPresent(snapshotID); ok {
		return &info, nil
	}
	info, err := c.snaps.Stat(snapshotID)
	if err != nil {
		return nil, err
	}
	c.metaCache.Set(snapshotID, *info)
	return info, nil
}
