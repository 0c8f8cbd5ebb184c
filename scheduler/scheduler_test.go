package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"datagrid-studio/persistence/changelog"
	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/registry"
	"datagrid-studio/persistence/status"
)

type fakeExporter struct {
	mu    sync.Mutex
	calls []string
	block chan struct{} // when non-nil, exports wait until it closes
	err   error
}

func (f *fakeExporter) ExportTable(ctx context.Context, tableID string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tableID)
	return f.err
}

func (f *fakeExporter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeExporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T, exp *fakeExporter, tiers []config.DebounceTier) (*SaveScheduler, *changelog.Store, *status.Tracker) {
	t.Helper()
	dir, err := os.MkdirTemp("", "scheduler-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	log, err := changelog.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	st := status.NewTracker()
	s := New(log, st, exp, config.SchedulerConfig{
		Tiers:         tiers,
		RecentSaveTTL: 100 * time.Millisecond,
	})
	t.Cleanup(s.Stop)
	return s, log, st
}

func fastTiers() []config.DebounceTier {
	return []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met within timeout")
}

func TestCellEditDoesNotExport(t *testing.T) {
	exp := &fakeExporter{}
	s, log, st := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 3, 100)
	if err := log.Append(changelog.Entry{TableID: "people", RowID: 2, Column: "name", NewValue: "Bobby"}); err != nil {
		t.Fatal(err)
	}

	// Unchanged version marks the cell-edit path.
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 3, RowCount: 100})

	time.Sleep(50 * time.Millisecond)
	if exp.count() != 0 {
		t.Fatalf("Cell edits must not trigger exports, got %d", exp.count())
	}

	snap := st.Current()
	if snap.Persistence != status.Dirty {
		t.Errorf("Expected dirty status, got %v", snap.Persistence)
	}
	if snap.PendingEdits != 1 {
		t.Errorf("Expected 1 pending edit, got %d", snap.PendingEdits)
	}
}

func TestStructuralMutationExportsAfterDebounce(t *testing.T) {
	exp := &fakeExporter{}
	s, _, st := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 3, 100)
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 4, RowCount: 100})

	waitFor(t, time.Second, func() bool { return exp.count() == 1 })
	waitFor(t, time.Second, func() bool { return st.Current().Persistence == status.Clean })
}

func TestDebounceCoalescesBursts(t *testing.T) {
	exp := &fakeExporter{}
	s, _, _ := newTestScheduler(t, exp, []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 60 * time.Millisecond, MaxWait: time.Second},
	})

	s.Observe("people", 0, 100)
	// Three rapid structural changes within one debounce window.
	for v := int64(1); v <= 3; v++ {
		s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: v, RowCount: 100})
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return exp.count() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if exp.count() != 1 {
		t.Fatalf("Expected burst coalesced into 1 export, got %d", exp.count())
	}
}

func TestMaxWaitBoundsRollingDebounce(t *testing.T) {
	exp := &fakeExporter{}
	s, _, _ := newTestScheduler(t, exp, []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 100 * time.Millisecond, MaxWait: 250 * time.Millisecond},
	})

	s.Observe("people", 0, 100)

	// Signals every 50ms keep resetting the 100ms debounce; only the hard
	// deadline lets the export through.
	start := time.Now()
	version := int64(0)
	for time.Since(start) < 600*time.Millisecond && exp.count() == 0 {
		version++
		s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: version, RowCount: 100})
		time.Sleep(50 * time.Millisecond)
	}

	if exp.count() == 0 {
		t.Fatal("Export never fired despite maxWait deadline")
	}
}

func TestSaveRequestsDuringExportCoalesceToOneFollowUp(t *testing.T) {
	exp := &fakeExporter{block: make(chan struct{})}
	s, _, _ := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 0, 100)
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 1, RowCount: 100})

	// Let the first export start and block inside the exporter.
	waitFor(t, time.Second, func() bool { return len(s.InFlightTables()) == 1 })

	// Five more saves arrive while the export is in flight.
	for v := int64(2); v <= 6; v++ {
		s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: v, RowCount: 100})
	}
	time.Sleep(50 * time.Millisecond) // let the re-armed timers fire into pending

	close(exp.block)

	waitFor(t, time.Second, func() bool { return exp.count() == 2 })
	time.Sleep(100 * time.Millisecond)
	if got := exp.count(); got != 2 {
		t.Fatalf("Expected exactly one follow-up export (2 total), got %d", got)
	}
}

func TestPrioritySaveSkipsDebounce(t *testing.T) {
	exp := &fakeExporter{}
	s, _, _ := newTestScheduler(t, exp, []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 10 * time.Second, MaxWait: time.Minute},
	})

	s.Observe("people", 0, 100)
	s.RequestPrioritySave("people")

	waitFor(t, time.Second, func() bool { return exp.count() == 1 })
}

func TestRecentlySavedTableSkipsRedundantSave(t *testing.T) {
	exp := &fakeExporter{}
	s, _, _ := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 0, 100)
	s.RequestPrioritySave("people")
	waitFor(t, time.Second, func() bool { return exp.count() == 1 })

	// Clean and recently saved: both request forms are skipped outright.
	s.RequestSave("people")
	s.RequestPrioritySave("people")
	time.Sleep(50 * time.Millisecond)
	if exp.count() != 1 {
		t.Fatalf("Expected redundant saves skipped, got %d exports", exp.count())
	}
}

func TestExportFailureSetsErrorAndRetries(t *testing.T) {
	exp := &fakeExporter{err: errors.New("disk full")}
	s, _, st := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 0, 100)
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 1, RowCount: 100})

	waitFor(t, time.Second, func() bool { return exp.count() == 1 })
	waitFor(t, time.Second, func() bool { return st.Current().Persistence == status.Error })

	// The failure leaves the table dirty; the next trigger retries.
	exp.setErr(nil)
	s.RequestPrioritySave("people")

	waitFor(t, time.Second, func() bool { return exp.count() == 2 })
	waitFor(t, time.Second, func() bool { return st.Current().Persistence == status.Clean })
}

func TestSaveIfDirty(t *testing.T) {
	exp := &fakeExporter{}
	s, _, _ := newTestScheduler(t, exp, []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 10 * time.Second, MaxWait: time.Minute},
	})

	s.Observe("people", 0, 100)

	// Clean table: nothing to do.
	if err := s.SaveIfDirty(context.Background(), "people"); err != nil {
		t.Fatal(err)
	}
	if exp.count() != 0 {
		t.Fatalf("Clean table should not export, got %d", exp.count())
	}

	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 1, RowCount: 100})
	if err := s.SaveIfDirty(context.Background(), "people"); err != nil {
		t.Fatal(err)
	}
	if exp.count() != 1 {
		t.Fatalf("Dirty table should export synchronously, got %d", exp.count())
	}
}

func TestSaveIfDirtyWaitsForInFlightExport(t *testing.T) {
	exp := &fakeExporter{block: make(chan struct{})}
	s, _, _ := newTestScheduler(t, exp, fastTiers())

	s.Observe("people", 0, 100)
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 1, RowCount: 100})
	waitFor(t, time.Second, func() bool { return len(s.InFlightTables()) == 1 })

	// A structural change lands after the in-flight export began; that
	// export cannot contain it.
	s.OnTableMutated(registry.Mutation{TableID: "people", DataVersion: 2, RowCount: 100})

	done := make(chan error, 1)
	go func() { done <- s.SaveIfDirty(context.Background(), "people") }()

	select {
	case err := <-done:
		t.Fatalf("SaveIfDirty returned before the in-flight export finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(exp.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// The late change must be covered by a second export before the caller
	// is told the table is durable.
	if got := exp.count(); got < 2 {
		t.Fatalf("Expected a re-export covering the late change, got %d", got)
	}
}

func TestTierSelection(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeExporter{}, config.DefaultTiers())

	cases := []struct {
		rows int64
		want time.Duration
	}{
		{50_000, 2 * time.Second},
		{100_000, 2 * time.Second},
		{100_001, 3 * time.Second},
		{500_001, 5 * time.Second},
		{2_000_000, 10 * time.Second},
	}
	for _, c := range cases {
		if got := s.tierFor(c.rows); got.Debounce != c.want {
			t.Errorf("tierFor(%d).Debounce = %v, want %v", c.rows, got.Debounce, c.want)
		}
	}
}
