package status

import "testing"

func TestInitialState(t *testing.T) {
	tr := NewTracker()

	if got := tr.Current(); got.Persistence != Clean || got.PendingEdits != 0 {
		t.Errorf("Expected clean/0 initially, got %+v", got)
	}
	if tr.CompactionStatus() != Idle {
		t.Errorf("Expected idle compaction initially, got %v", tr.CompactionStatus())
	}
}

func TestPersistenceCallbacks(t *testing.T) {
	tr := NewTracker()

	var got []Snapshot
	tr.OnPersistenceStatusChange(func(s Snapshot) { got = append(got, s) })

	tr.SetPersistence(Dirty)
	tr.SetPersistence(Dirty) // unchanged, no callback
	tr.SetPending(3)
	tr.SetPersistence(Saving)
	tr.SetPersistence(Clean)

	want := []Snapshot{
		{Persistence: Dirty, PendingEdits: 0},
		{Persistence: Dirty, PendingEdits: 3},
		{Persistence: Saving, PendingEdits: 3},
		{Persistence: Clean, PendingEdits: 3},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d callbacks, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Callback %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestCompactionCallbacks(t *testing.T) {
	tr := NewTracker()

	var got []Compaction
	tr.OnCompactionStatusChange(func(c Compaction) { got = append(got, c) })

	tr.SetCompaction(Running)
	tr.SetCompaction(Running) // unchanged, no callback
	tr.SetCompaction(Idle)

	if len(got) != 2 || got[0] != Running || got[1] != Idle {
		t.Errorf("Unexpected callback sequence: %v", got)
	}
}

func TestSetPendingUnchangedIsSilent(t *testing.T) {
	tr := NewTracker()

	calls := 0
	tr.OnPersistenceStatusChange(func(Snapshot) { calls++ })

	tr.SetPending(0)
	if calls != 0 {
		t.Errorf("Expected no callback for unchanged pending count, got %d", calls)
	}
}
