// Package scheduler decides when a mutated table actually gets exported.
// Cell edits are already durable via the changelog; structural changes are
// debounced adaptively by table size and coalesced so at most one export per
// table is ever in flight.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"datagrid-studio/persistence/changelog"
	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/registry"
	"datagrid-studio/persistence/status"
)

// Exporter performs the actual snapshot export for a table. The session
// provides an implementation wrapping the snapshot store and engine.
type Exporter interface {
	ExportTable(ctx context.Context, tableID string) error
}

// Compacter triggers a forced compaction cycle during FlushAll.
type Compacter interface {
	RunNow(ctx context.Context) error
}

// tableSave is the per-table scheduling state. All scheduling state lives on
// the owned SaveScheduler instance, never in package globals.
type tableSave struct {
	lastVersion int64
	rowCount    int64
	timer       *time.Timer
	deadline    time.Time // maxWait hard deadline; zero when nothing scheduled
	dirty       bool
	inFlight    bool
	pending     bool
	saveDone    chan struct{} // closed when the in-flight export completes
	savedAt     time.Time
}

// SaveScheduler watches table mutation signals, classifies them, and
// schedules structural exports.
type SaveScheduler struct {
	mu     sync.Mutex
	tables map[string]*tableSave
	closed bool

	log      *changelog.Store
	st       *status.Tracker
	exporter Exporter
	cfg      config.SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a SaveScheduler. Construct once per application session and
// tear down with Stop.
func New(log *changelog.Store, st *status.Tracker, exporter Exporter, cfg config.SchedulerConfig) *SaveScheduler {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = config.DefaultTiers()
	}
	if cfg.RecentSaveTTL <= 0 {
		cfg.RecentSaveTTL = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SaveScheduler{
		tables:   make(map[string]*tableSave),
		log:      log,
		st:       st,
		exporter: exporter,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe seeds the scheduler's view of a table's dataVersion. Must be
// called when a table is registered, before any mutation signal for it, so
// the version comparison can classify the first signal correctly.
func (s *SaveScheduler) Observe(tableID string, dataVersion int64, rowCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tables[tableID]
	if ts == nil {
		ts = &tableSave{}
		s.tables[tableID] = ts
	}
	ts.lastVersion = dataVersion
	ts.rowCount = rowCount
}

// Forget drops the scheduling state of a deleted table.
func (s *SaveScheduler) Forget(tableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.tables[tableID]; ts != nil && ts.timer != nil {
		ts.timer.Stop()
	}
	delete(s.tables, tableID)
}

// OnTableMutated is the mutation-signal observer; subscribe it to the
// registry. An unchanged dataVersion means a cell edit already durable via
// the changelog; an increased version means a structural change requiring
// export.
func (s *SaveScheduler) OnTableMutated(m registry.Mutation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ts := s.tables[m.TableID]
	if ts == nil {
		// Unseeded table: record the version and treat the signal as a cell
		// edit; registration always calls Observe before real mutations.
		ts = &tableSave{lastVersion: m.DataVersion}
		s.tables[m.TableID] = ts
	}
	ts.rowCount = m.RowCount

	if m.DataVersion == ts.lastVersion {
		s.mu.Unlock()
		s.recomputeStatus()
		return
	}

	ts.lastVersion = m.DataVersion
	ts.dirty = true
	s.scheduleLocked(m.TableID, ts)
	s.mu.Unlock()
	s.recomputeStatus()
}

// scheduleLocked arms (or re-arms) the debounce timer for a structural save.
// The rolling debounce is bounded by a hard maxWait deadline so an export
// fires even under continuous editing.
func (s *SaveScheduler) scheduleLocked(tableID string, ts *tableSave) {
	tier := s.tierFor(ts.rowCount)
	now := time.Now()

	if ts.deadline.IsZero() {
		ts.deadline = now.Add(tier.MaxWait)
	}

	delay := tier.Debounce
	if rest := ts.deadline.Sub(now); rest < delay {
		delay = rest
		if delay < 0 {
			delay = 0
		}
	}

	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.timer = time.AfterFunc(delay, func() { s.trySave(tableID) })
}

func (s *SaveScheduler) tierFor(rowCount int64) config.DebounceTier {
	for _, t := range s.cfg.Tiers {
		if rowCount <= t.MaxRows {
			return t
		}
	}
	return s.cfg.Tiers[len(s.cfg.Tiers)-1]
}

// RequestSave schedules a debounced save. Tables already clean and recently
// saved are skipped outright.
func (s *SaveScheduler) RequestSave(tableID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ts := s.ensureLocked(tableID)
	if s.skipCleanLocked(ts) {
		s.mu.Unlock()
		slog.Debug("save skipped, table recently saved", slog.String("table_id", tableID))
		return
	}
	ts.dirty = true
	s.scheduleLocked(tableID, ts)
	s.mu.Unlock()
	s.recomputeStatus()
}

// RequestPrioritySave bypasses debounce entirely, for operations whose
// result the user is likely to act on immediately.
func (s *SaveScheduler) RequestPrioritySave(tableID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ts := s.ensureLocked(tableID)
	if s.skipCleanLocked(ts) {
		s.mu.Unlock()
		slog.Debug("priority save skipped, table recently saved", slog.String("table_id", tableID))
		return
	}
	ts.dirty = true
	s.mu.Unlock()
	s.trySave(tableID)
}

// SaveIfDirty synchronously exports the table if it has unsaved structural
// changes. Used when freezing a table on switch and at shutdown. If an async
// export is already in flight it waits for that export to finish and then
// re-checks dirtiness, so a structural change that arrived after the
// in-flight export began is still written out before this returns.
func (s *SaveScheduler) SaveIfDirty(ctx context.Context, tableID string) error {
	for {
		s.mu.Lock()
		ts := s.tables[tableID]
		if ts == nil {
			s.mu.Unlock()
			return nil
		}
		if ts.inFlight {
			done := ts.saveDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !ts.dirty {
			s.mu.Unlock()
			return nil
		}
		s.beginSaveLocked(ts)
		s.mu.Unlock()

		err := s.exporter.ExportTable(ctx, tableID)
		s.finishSave(tableID, err)
		return err
	}
}

// FlushAll synchronously saves every dirty table and forces a compaction.
func (s *SaveScheduler) FlushAll(ctx context.Context, comp Compacter) error {
	s.mu.Lock()
	var dirty []string
	for id, ts := range s.tables {
		if ts.dirty || ts.inFlight {
			dirty = append(dirty, id)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range dirty {
		if err := s.SaveIfDirty(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if comp != nil {
		if err := comp.RunNow(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.recomputeStatus()
	return firstErr
}

// InFlightTables returns ids of tables with an export currently running.
func (s *SaveScheduler) InFlightTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, ts := range s.tables {
		if ts.inFlight {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stop tears the scheduler down, stopping timers and waiting for in-flight
// exports to finish.
func (s *SaveScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for _, ts := range s.tables {
		if ts.timer != nil {
			ts.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *SaveScheduler) ensureLocked(tableID string) *tableSave {
	ts := s.tables[tableID]
	if ts == nil {
		ts = &tableSave{}
		s.tables[tableID] = ts
	}
	return ts
}

// skipCleanLocked reports whether a requested save can be skipped because
// the table is clean and was saved within the recent-save window.
func (s *SaveScheduler) skipCleanLocked(ts *tableSave) bool {
	return !ts.dirty && !ts.inFlight && !ts.savedAt.IsZero() && time.Since(ts.savedAt) < s.cfg.RecentSaveTTL
}

// trySave starts an export for the table unless one is already in flight, in
// which case the request is recorded as pending. This bounds concurrent
// exports per table to one.
func (s *SaveScheduler) trySave(tableID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ts := s.tables[tableID]
	if ts == nil {
		s.mu.Unlock()
		return
	}
	if ts.inFlight {
		ts.pending = true
		s.mu.Unlock()
		return
	}
	if !ts.dirty {
		s.mu.Unlock()
		return
	}
	s.beginSaveLocked(ts)
	s.wg.Add(1)
	s.mu.Unlock()

	s.st.SetPersistence(status.Saving)

	go func() {
		defer s.wg.Done()
		err := s.exporter.ExportTable(s.ctx, tableID)
		s.finishSave(tableID, err)
	}()
}

func (s *SaveScheduler) beginSaveLocked(ts *tableSave) {
	ts.inFlight = true
	ts.dirty = false
	ts.saveDone = make(chan struct{})
	ts.deadline = time.Time{}
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
}

// finishSave completes an export. On completion the scheduler re-checks
// whether the table is still dirty and, only if so, starts exactly one
// follow-up save.
func (s *SaveScheduler) finishSave(tableID string, err error) {
	s.mu.Lock()
	ts := s.tables[tableID]
	if ts == nil {
		s.mu.Unlock()
		return
	}
	ts.inFlight = false
	if ts.saveDone != nil {
		close(ts.saveDone)
		ts.saveDone = nil
	}

	if err != nil {
		// The data is still live in the engine; retried on the next trigger.
		ts.dirty = true
		ts.pending = false
		s.mu.Unlock()
		slog.Error("table export failed",
			slog.String("table_id", tableID),
			slog.Any("error", err))
		s.st.SetPersistence(status.Error)
		return
	}

	ts.savedAt = time.Now()
	followUp := false
	if ts.pending {
		ts.pending = false
		followUp = ts.dirty
	}
	s.mu.Unlock()

	slog.Debug("table export completed", slog.String("table_id", tableID))

	if followUp {
		s.trySave(tableID)
	}
	s.recomputeStatus()
}

// recomputeStatus derives the process-wide persistence status from the
// scheduling state and pending changelog count.
func (s *SaveScheduler) recomputeStatus() {
	s.mu.Lock()
	anyInFlight := false
	anyDirty := false
	for _, ts := range s.tables {
		if ts.inFlight {
			anyInFlight = true
		}
		if ts.dirty {
			anyDirty = true
		}
	}
	s.mu.Unlock()

	pending, err := s.log.TotalCount()
	if err != nil {
		slog.Warn("failed to read pending changelog count", slog.Any("error", err))
		pending = 0
	}
	s.st.SetPending(pending)

	switch {
	case anyInFlight:
		s.st.SetPersistence(status.Saving)
	case anyDirty || pending > 0:
		s.st.SetPersistence(status.Dirty)
	default:
		s.st.SetPersistence(status.Clean)
	}
}
