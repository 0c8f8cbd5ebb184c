// Package registry holds the in-memory catalog of known tables, their
// materialization state, and the mutation signal bus that drives the save
// scheduler.
package registry

import (
	"sort"
	"sync"

	"datagrid-studio/persistence/engine"
)

// State is a table's materialization state.
type State int

const (
	// Unloaded means the table is not known to the engine or stores.
	Unloaded State = iota
	// Frozen means only metadata is known; data lives solely in the
	// snapshot plus changelog.
	Frozen
	// Thawed means the table's data is resident in the query engine.
	Thawed
)

func (s State) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Thawed:
		return "thawed"
	default:
		return "unloaded"
	}
}

// Table is the registry's view of one dataset.
type Table struct {
	ID          string
	Name        string
	Columns     []engine.Column
	RowCount    int64
	ColumnOrder []string
	DataVersion int64
	State       State
}

// Mutation is the signal emitted when a table changes. DataVersion is only
// bumped by structural mutations, never by single-cell edits, which is what
// lets the scheduler classify the two paths.
type Mutation struct {
	TableID     string
	DataVersion int64
	RowCount    int64
}

// Registry is the table catalog. A single instance is owned by the session.
type Registry struct {
	mu        sync.RWMutex
	tables    map[string]*Table
	activeID  string
	observers []func(Mutation)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Subscribe registers a mutation observer. Observers are invoked
// synchronously on the mutating goroutine, outside the registry lock.
func (r *Registry) Subscribe(fn func(Mutation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Upsert inserts or replaces a table record.
func (r *Registry) Upsert(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := t
	r.tables[t.ID] = &copied
}

// Get returns a copy of the table record.
func (r *Registry) Get(id string) (Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[id]
	if !ok {
		return Table{}, false
	}
	return *t, true
}

// All returns copies of every table record, sorted by id.
func (r *Registry) All() []Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a table record.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, id)
	if r.activeID == id {
		r.activeID = ""
	}
}

// Clear empties the catalog. Used during re-hydration after an engine
// restart; persisted metadata and snapshots are untouched.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = make(map[string]*Table)
	r.activeID = ""
}

// SetState updates a table's materialization state. Setting a table Thawed
// demotes any other thawed table to Frozen, keeping the single-active-table
// invariant even under misuse.
func (r *Registry) SetState(id string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == Thawed {
		for otherID, t := range r.tables {
			if otherID != id && t.State == Thawed {
				t.State = Frozen
			}
		}
	}
	if t, ok := r.tables[id]; ok {
		t.State = s
	}
}

// SetActive records the active (thawed) table id.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = id
}

// Active returns the active table, if any.
func (r *Registry) Active() (Table, bool) {
	r.mu.RLock()
	id := r.activeID
	r.mu.RUnlock()
	if id == "" {
		return Table{}, false
	}
	return r.Get(id)
}

// SetColumnOrder records the table's user-visible column display order.
func (r *Registry) SetColumnOrder(id string, order []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[id]; ok {
		t.ColumnOrder = append([]string{}, order...)
	}
}

// SetRowCount updates a table's cached row count without signaling.
func (r *Registry) SetRowCount(id string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[id]; ok {
		t.RowCount = n
	}
}

// BumpDataVersion records a structural mutation: increments the version and
// notifies observers.
func (r *Registry) BumpDataVersion(id string) {
	r.mu.Lock()
	t, ok := r.tables[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.DataVersion++
	m := Mutation{TableID: id, DataVersion: t.DataVersion, RowCount: t.RowCount}
	obs := append([]func(Mutation){}, r.observers...)
	r.mu.Unlock()

	for _, fn := range obs {
		fn(m)
	}
}

// NoteCellEdit signals a single-cell edit: observers see an unchanged
// DataVersion and take the changelog path.
func (r *Registry) NoteCellEdit(id string) {
	r.mu.RLock()
	t, ok := r.tables[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	m := Mutation{TableID: id, DataVersion: t.DataVersion, RowCount: t.RowCount}
	obs := append([]func(Mutation){}, r.observers...)
	r.mu.RUnlock()

	for _, fn := range obs {
		fn(m)
	}
}
