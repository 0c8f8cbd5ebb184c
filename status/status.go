// Package status tracks the process-wide persistence and compaction status
// used for user feedback and flow control, not correctness.
package status

import "sync"

// Persistence is the overall save-state of the session.
type Persistence string

const (
	Clean  Persistence = "clean"
	Dirty  Persistence = "dirty"
	Saving Persistence = "saving"
	Error  Persistence = "error"
)

// Compaction is the compaction engine's state.
type Compaction string

const (
	Idle    Compaction = "idle"
	Running Compaction = "running"
)

// Snapshot is the externally visible persistence state.
type Snapshot struct {
	Persistence  Persistence
	PendingEdits int64
}

// Tracker is the single process-wide status instance. Callbacks are invoked
// outside the internal lock, on the goroutine that changed the status.
type Tracker struct {
	mu          sync.Mutex
	persistence Persistence
	pending     int64
	compaction  Compaction
	persistCbs  []func(Snapshot)
	compactCbs  []func(Compaction)
}

// NewTracker returns a tracker in the clean/idle state.
func NewTracker() *Tracker {
	return &Tracker{
		persistence: Clean,
		compaction:  Idle,
	}
}

// OnPersistenceStatusChange registers a persistence status observer.
func (t *Tracker) OnPersistenceStatusChange(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistCbs = append(t.persistCbs, fn)
}

// OnCompactionStatusChange registers a compaction status observer.
func (t *Tracker) OnCompactionStatusChange(fn func(Compaction)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compactCbs = append(t.compactCbs, fn)
}

// SetPersistence updates the persistence status, notifying observers if it
// changed.
func (t *Tracker) SetPersistence(p Persistence) {
	t.mu.Lock()
	if t.persistence == p {
		t.mu.Unlock()
		return
	}
	t.persistence = p
	snap := Snapshot{Persistence: t.persistence, PendingEdits: t.pending}
	cbs := append([]func(Snapshot){}, t.persistCbs...)
	t.mu.Unlock()

	for _, fn := range cbs {
		fn(snap)
	}
}

// SetPending updates the pending changelog entry count.
func (t *Tracker) SetPending(n int64) {
	t.mu.Lock()
	if t.pending == n {
		t.mu.Unlock()
		return
	}
	t.pending = n
	snap := Snapshot{Persistence: t.persistence, PendingEdits: t.pending}
	cbs := append([]func(Snapshot){}, t.persistCbs...)
	t.mu.Unlock()

	for _, fn := range cbs {
		fn(snap)
	}
}

// SetCompaction updates the compaction status, notifying observers if it
// changed.
func (t *Tracker) SetCompaction(c Compaction) {
	t.mu.Lock()
	if t.compaction == c {
		t.mu.Unlock()
		return
	}
	t.compaction = c
	cbs := append([]func(Compaction){}, t.compactCbs...)
	t.mu.Unlock()

	for _, fn := range cbs {
		fn(c)
	}
}

// Current returns the current persistence snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Persistence: t.persistence, PendingEdits: t.pending}
}

// CompactionStatus returns the current compaction status.
func (t *Tracker) CompactionStatus() Compaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compaction
}
