package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/engine"
	"datagrid-studio/persistence/status"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "session-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Engine.Path = filepath.Join(dir, "engine.db")
	cfg.Engine.PoolSize = 2
	cfg.Changelog.Dir = filepath.Join(dir, "changelog")
	cfg.Snapshot.Dir = filepath.Join(dir, "snaps")
	cfg.Snapshot.ShardRows = 1000
	cfg.AppState.Path = filepath.Join(dir, "appstate.json")
	// Keep background cycles out of the way; tests drive saves explicitly.
	cfg.Compactor.Tick = time.Hour
	cfg.Compactor.IdleAfter = time.Hour
	cfg.Scheduler.Tiers = []config.DebounceTier{
		{MaxRows: 1 << 62, Debounce: 10 * time.Second, MaxWait: time.Minute},
	}
	return cfg
}

var peopleCols = []engine.Column{
	{Name: "name", Type: engine.TypeText},
	{Name: "age", Type: engine.TypeInteger},
}

func registerPeople(t *testing.T, s *Session) string {
	t.Helper()
	ctx := context.Background()
	if err := s.eng.CreateTable(ctx, "people", peopleCols); err != nil {
		t.Fatal(err)
	}
	if err := s.eng.InsertRows(ctx, "people", peopleCols, []engine.Row{
		{RID: 1, Values: []any{"Alice", int64(30)}},
		{RID: 2, Values: []any{"Bob", int64(25)}},
	}); err != nil {
		t.Fatal(err)
	}
	id, err := s.RegisterTable(ctx, "people")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestOpenEmptySession(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if len(s.Tables()) != 0 {
		t.Errorf("Expected no tables, got %d", len(s.Tables()))
	}
	if got := s.Status(); got.Persistence != status.Clean {
		t.Errorf("Expected clean status, got %v", got.Persistence)
	}
}

func TestEditCellRecordsChangelog(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)

	if err := s.EditCell(ctx, id, "name", 2, "Bob", "Bobby"); err != nil {
		t.Fatal(err)
	}

	// Engine holds the new value immediately.
	res, err := s.Query(ctx, `SELECT name FROM people WHERE rowid = 2`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0][0] != "Bobby" {
		t.Errorf("Expected Bobby in engine, got %v", res.Rows[0][0])
	}

	snap := s.Status()
	if snap.PendingEdits != 1 {
		t.Errorf("Expected 1 pending edit, got %d", snap.PendingEdits)
	}
	if snap.Persistence != status.Dirty {
		t.Errorf("Expected dirty status, got %v", snap.Persistence)
	}
}

func TestCompactFoldsEdits(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)
	if err := s.EditCell(ctx, id, "name", 2, "Bob", "Bobby"); err != nil {
		t.Fatal(err)
	}

	if err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().PendingEdits; got != 0 {
		t.Errorf("Expected changelog folded, got %d pending", got)
	}

	ids, err := s.snaps.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("Expected snapshot for %s, got %v", id, ids)
	}
}

func TestFlushAllLeavesCleanState(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)
	if err := s.EditCell(ctx, id, "age", 1, int64(30), int64(31)); err != nil {
		t.Fatal(err)
	}

	if err := s.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	snap := s.Status()
	if snap.Persistence != status.Clean || snap.PendingEdits != 0 {
		t.Errorf("Expected clean/0 after flush, got %+v", snap)
	}
}

func TestWithStructuralMutation(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)

	versionBefore, _ := s.reg.Get(id)
	err = s.WithStructuralMutation(ctx, id, func(eng engine.Engine) error {
		_, err := eng.ExecuteQuery(ctx, `DELETE FROM people WHERE rowid = 1`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	after, _ := s.reg.Get(id)
	if after.DataVersion != versionBefore.DataVersion+1 {
		t.Errorf("Expected version bump, got %d -> %d", versionBefore.DataVersion, after.DataVersion)
	}
	if after.RowCount != 1 {
		t.Errorf("Expected row count refreshed to 1, got %d", after.RowCount)
	}
	if s.eng.MutationInProgress("people") {
		t.Error("Mutation flag should be released")
	}
}

func TestStructuralMutationFailureKeepsVersion(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)
	before, _ := s.reg.Get(id)

	err = s.WithStructuralMutation(ctx, id, func(eng engine.Engine) error {
		_, err := eng.ExecuteQuery(ctx, `THIS IS NOT SQL`)
		return err
	})
	if err == nil {
		t.Fatal("Expected mutation error")
	}

	after, _ := s.reg.Get(id)
	if after.DataVersion != before.DataVersion {
		t.Error("Failed mutations must not bump the version")
	}
	if s.eng.MutationInProgress("people") {
		t.Error("Mutation flag should be released on failure")
	}
}

func TestDeleteTableDiscardsEdits(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)
	for i := 0; i < 50; i++ {
		if err := s.EditCell(ctx, id, "name", 1, "Alice", "Alicia"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Status().PendingEdits; got != 50 {
		t.Fatalf("Expected 50 pending edits, got %d", got)
	}

	if err := s.DeleteTable(ctx, id); err != nil {
		t.Fatal(err)
	}

	count, err := s.log.TotalCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected deleted table's edits discarded, got %d", count)
	}
	if len(s.Tables()) != 0 {
		t.Errorf("Expected empty catalog, got %+v", s.Tables())
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	id := registerPeople(t, s1)
	if err := s1.EditCell(ctx, id, "name", 2, "Bob", "Bobby"); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	active, ok := s2.ActiveTable()
	if !ok || active.ID != id {
		t.Fatalf("Expected %s active after reopen, got %+v", id, active)
	}

	res, err := s2.Query(ctx, `SELECT name FROM people WHERE rowid = 2`)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != "Bobby" {
		t.Errorf("Expected edit durable across restart, got %v", res.Rows)
	}
}

func TestEditCellChangelogFailureFlagsError(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	id := registerPeople(t, s)

	// Closing the changelog makes the next append fail while the engine
	// still takes the edit.
	if err := s.log.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.EditCell(ctx, id, "name", 2, "Bob", "Bobby"); err != nil {
		t.Fatalf("Edit must survive a changelog failure: %v", err)
	}

	res, err := s.Query(ctx, `SELECT name FROM people WHERE rowid = 2`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0][0] != "Bobby" {
		t.Errorf("Expected edit live in engine despite changelog failure, got %v", res.Rows[0][0])
	}
	if got := s.Status().Persistence; got != status.Error {
		t.Errorf("Expected error status after changelog failure, got %v", got)
	}
}

func TestSetColumnOrderSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	id := registerPeople(t, s1)

	before, _ := s1.reg.Get(id)
	if err := s1.SetColumnOrder(id, []string{"age", "name"}); err != nil {
		t.Fatal(err)
	}
	after, _ := s1.reg.Get(id)
	if after.DataVersion != before.DataVersion+1 {
		t.Errorf("Expected reorder to bump version, got %d -> %d", before.DataVersion, after.DataVersion)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	tbl, ok := s2.reg.Get(id)
	if !ok {
		t.Fatal("Expected table restored")
	}
	if len(tbl.ColumnOrder) != 2 || tbl.ColumnOrder[0] != "age" || tbl.ColumnOrder[1] != "name" {
		t.Errorf("Expected column order restored from app state, got %v", tbl.ColumnOrder)
	}

	if err := s2.SetColumnOrder("ghost", []string{"a"}); err == nil {
		t.Error("Expected error for unknown table")
	}
}

func TestEditCellUnknownTable(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.EditCell(context.Background(), "ghost", "c", 1, nil, "v"); err == nil {
		t.Fatal("Expected error for unknown table")
	}
}
