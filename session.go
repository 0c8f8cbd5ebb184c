// Package persistence is the embedding surface of the datagrid persistence
// layer. A Session owns the query engine, the append-only changelog, the
// columnar snapshot store, and the background save and compaction machinery,
// and exposes the operations an interactive tabular editor needs.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"datagrid-studio/persistence/changelog"
	"datagrid-studio/persistence/compact"
	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/engine"
	"datagrid-studio/persistence/hydrate"
	"datagrid-studio/persistence/registry"
	"datagrid-studio/persistence/scheduler"
	"datagrid-studio/persistence/snapshot"
	"datagrid-studio/persistence/status"
)

// closeFlushTimeout bounds the final flush during Close.
const closeFlushTimeout = 30 * time.Second

// Session is one open persistence session. Create with Open, release with
// Close.
type Session struct {
	cfg   *config.Config
	eng   engine.Engine
	log   *changelog.Store
	snaps *snapshot.Store
	reg   *registry.Registry
	st    *status.Tracker
	sched *scheduler.SaveScheduler
	comp  *compact.Compactor
	hyd   *hydrate.Controller
}

// sessionExporter adapts the session to the scheduler's Exporter: it
// resolves the table id through the registry so exports always use the
// current logical name.
type sessionExporter struct {
	eng   engine.Engine
	snaps *snapshot.Store
	reg   *registry.Registry
}

func (x sessionExporter) ExportTable(ctx context.Context, tableID string) error {
	t, ok := x.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("cannot export unknown table %q", tableID)
	}
	if t.State != registry.Thawed {
		// A frozen table's snapshot is already authoritative.
		return nil
	}
	return x.snaps.ExportTable(ctx, x.eng, t.Name, tableID, nil)
}

// Open builds a session from config and hydrates it from disk. Pass nil to
// use the global config.
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = config.Get()
	}

	eng, err := engine.NewSQLiteEngine(cfg.Engine.Path, cfg.Engine.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}

	log, err := changelog.Open(cfg.Changelog.Dir)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("failed to open changelog: %w", err)
	}

	snaps, err := snapshot.New(cfg.Snapshot)
	if err != nil {
		log.Close()
		eng.Close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	reg := registry.New()
	st := status.NewTracker()

	sched := scheduler.New(log, st, sessionExporter{eng: eng, snaps: snaps, reg: reg}, cfg.Scheduler)
	reg.Subscribe(sched.OnTableMutated)

	comp := compact.New(log, snaps, eng, reg, st, cfg.Compactor)
	hyd := hydrate.NewController(eng, snaps, log, reg, sched, cfg.AppState.Path)

	s := &Session{
		cfg:   cfg,
		eng:   eng,
		log:   log,
		snaps: snaps,
		reg:   reg,
		st:    st,
		sched: sched,
		comp:  comp,
		hyd:   hyd,
	}

	if err := hyd.Boot(ctx); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to hydrate session: %w", err)
	}

	comp.Start()
	slog.Info("session opened", slog.Int("tables", len(reg.All())))
	return s, nil
}

// EditCell applies a single-cell edit: engine first, then the changelog.
// A changelog append failure is logged but does not fail the edit, since the
// value is already live in the engine and a later export persists it.
func (s *Session) EditCell(ctx context.Context, tableID, column string, rowID int64, oldValue, newValue any) error {
	t, ok := s.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", hydrate.ErrUnknownTable, tableID)
	}
	if t.State != registry.Thawed {
		return fmt.Errorf("table %q is not loaded", tableID)
	}

	if err := s.eng.UpdateCell(ctx, t.Name, column, rowID, newValue); err != nil {
		return err
	}

	appendErr := s.log.Append(changelog.Entry{
		TableID:  tableID,
		RowID:    rowID,
		Column:   column,
		OldValue: oldValue,
		NewValue: newValue,
	})
	if appendErr != nil {
		slog.Error("failed to record cell edit in changelog",
			slog.String("table_id", tableID),
			slog.String("column", column),
			slog.Int64("row_id", rowID),
			slog.Any("error", appendErr))
	}

	s.reg.NoteCellEdit(tableID)
	s.comp.NoteActivity()

	// Flip after the mutation signal, whose status recompute would otherwise
	// mask the failure. The edit is live in the engine; the next export
	// persists it.
	if appendErr != nil {
		s.st.SetPersistence(status.Error)
	}
	return nil
}

// WithStructuralMutation runs fn as a structural mutation of the table:
// compaction skips the table while fn runs, and on success the table's
// dataVersion is bumped so the save scheduler picks the change up.
func (s *Session) WithStructuralMutation(ctx context.Context, tableID string, fn func(engine.Engine) error) error {
	t, ok := s.reg.Get(tableID)
	if !ok {
		return fmt.Errorf("%w: %s", hydrate.ErrUnknownTable, tableID)
	}
	if t.State != registry.Thawed {
		return fmt.Errorf("table %q is not loaded", tableID)
	}

	done := s.eng.BeginStructuralMutation(t.Name)
	defer done()

	if err := fn(s.eng); err != nil {
		return err
	}
	done()

	if rowCount, err := s.eng.RowCount(ctx, t.Name); err == nil {
		s.reg.SetRowCount(tableID, rowCount)
	}
	if cols, err := s.eng.Columns(ctx, t.Name); err == nil {
		if cur, ok := s.reg.Get(tableID); ok {
			cur.Columns = cols
			s.reg.Upsert(cur)
		}
	}

	s.reg.BumpDataVersion(tableID)
	s.comp.NoteActivity()
	return nil
}

// SetColumnOrder records the table's user-visible column display order. The
// order is structural metadata: the version bump schedules a save and the
// app state carries it across restarts.
func (s *Session) SetColumnOrder(tableID string, order []string) error {
	if _, ok := s.reg.Get(tableID); !ok {
		return fmt.Errorf("%w: %s", hydrate.ErrUnknownTable, tableID)
	}
	s.reg.SetColumnOrder(tableID, order)
	s.reg.BumpDataVersion(tableID)
	s.comp.NoteActivity()
	if err := s.hyd.SaveAppState(); err != nil {
		slog.Warn("failed to save app state after column reorder", slog.Any("error", err))
	}
	return nil
}

// Query runs an ad-hoc read statement against the engine.
func (s *Session) Query(ctx context.Context, sql string) (*engine.Result, error) {
	s.comp.NoteActivity()
	return s.eng.ExecuteQuery(ctx, sql)
}

// RegisterTable adopts a table just materialized in the engine (e.g. from a
// file import), making it the active table.
func (s *Session) RegisterTable(ctx context.Context, tableName string) (string, error) {
	id, err := s.hyd.RegisterNew(ctx, tableName)
	if err != nil {
		return "", err
	}
	s.reg.BumpDataVersion(id)
	s.comp.NoteActivity()
	return id, nil
}

// SwitchTable freezes the active table and thaws the requested one.
func (s *Session) SwitchTable(ctx context.Context, tableID string) error {
	s.comp.NoteActivity()
	return s.hyd.SwitchActive(ctx, tableID)
}

// DeleteTable removes the table from the engine, snapshot store, and
// changelog.
func (s *Session) DeleteTable(ctx context.Context, tableID string) error {
	s.comp.NoteActivity()
	return s.hyd.DeleteTable(ctx, tableID)
}

// Rehydrate rebuilds the session state after a query-engine restart.
func (s *Session) Rehydrate(ctx context.Context) error {
	return s.hyd.Rehydrate(ctx)
}

// Tables returns the current table catalog.
func (s *Session) Tables() []registry.Table {
	return s.reg.All()
}

// ActiveTable returns the currently active table, if any.
func (s *Session) ActiveTable() (registry.Table, bool) {
	return s.reg.Active()
}

// RequestSave schedules a debounced save of the table.
func (s *Session) RequestSave(tableID string) {
	s.sched.RequestSave(tableID)
}

// RequestPrioritySave saves the table immediately, bypassing debounce.
func (s *Session) RequestPrioritySave(tableID string) {
	s.sched.RequestPrioritySave(tableID)
}

// FlushAll synchronously saves every dirty table and forces a compaction.
func (s *Session) FlushAll(ctx context.Context) error {
	return s.sched.FlushAll(ctx, s.comp)
}

// Compact forces a compaction cycle immediately.
func (s *Session) Compact(ctx context.Context) error {
	return s.comp.RunNow(ctx)
}

// Status returns the current persistence status snapshot.
func (s *Session) Status() status.Snapshot {
	return s.st.Current()
}

// CompactionStatus returns the compaction engine's current state.
func (s *Session) CompactionStatus() status.Compaction {
	return s.st.CompactionStatus()
}

// OnPersistenceStatusChange registers a persistence status observer.
func (s *Session) OnPersistenceStatusChange(fn func(status.Snapshot)) {
	s.st.OnPersistenceStatusChange(fn)
}

// OnCompactionStatusChange registers a compaction status observer.
func (s *Session) OnCompactionStatusChange(fn func(status.Compaction)) {
	s.st.OnCompactionStatusChange(fn)
}

// Close flushes outstanding work and releases all resources. Saves still in
// flight are waited on; a flush failure is logged, not returned, so shutdown
// always completes.
func (s *Session) Close() error {
	if inFlight := s.sched.InFlightTables(); len(inFlight) > 0 {
		slog.Warn("closing with saves in flight", slog.Any("tables", inFlight))
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()

	if err := s.sched.FlushAll(ctx, s.comp); err != nil {
		slog.Error("final flush failed", slog.Any("error", err))
	}
	if err := s.log.Sync(); err != nil {
		slog.Warn("failed to sync changelog", slog.Any("error", err))
	}

	s.comp.Stop()
	s.sched.Stop()

	if err := s.hyd.SaveAppState(); err != nil {
		slog.Warn("failed to save app state at shutdown", slog.Any("error", err))
	}

	return s.closeStores()
}

func (s *Session) closeStores() error {
	var firstErr error
	if err := s.log.Close(); err != nil {
		firstErr = err
	}
	if err := s.eng.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Info("session closed")
	return firstErr
}
