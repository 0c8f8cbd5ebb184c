package engine

import "context"

// ColumnType is the declared type of a table column.
type ColumnType string

const (
	TypeInteger ColumnType = "INTEGER"
	TypeReal    ColumnType = "REAL"
	TypeText    ColumnType = "TEXT"
	TypeBoolean ColumnType = "BOOLEAN"
)

// Column describes one column of a managed table.
type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
}

// Row is a single table row with its stable identity.
// RID is the per-row identity used by changelog entries; it is not a
// positional index and survives row reordering.
type Row struct {
	RID    int64
	Values []any
}

// Result holds materialized rows from an ad-hoc query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Engine is the analytical query-engine collaborator. All persistence
// components reach the engine only through this interface; the handle is an
// opaque capability, not a binding to a specific runtime.
type Engine interface {
	ExecuteQuery(ctx context.Context, sql string) (*Result, error)

	TableExists(ctx context.Context, name string) (bool, error)
	Columns(ctx context.Context, name string) ([]Column, error)
	RowCount(ctx context.Context, name string) (int64, error)

	CreateTable(ctx context.Context, name string, cols []Column) error
	DropTable(ctx context.Context, name string) error

	// InsertRows inserts rows preserving their stable row ids.
	InsertRows(ctx context.Context, name string, cols []Column, rows []Row) error

	// ScanRows reads up to limit rows with rid > afterRID in rid order.
	// The cursor form keeps memory bounded for very large tables.
	ScanRows(ctx context.Context, name string, cols []Column, afterRID int64, limit int) ([]Row, error)

	// UpdateCell applies an absolute value assignment to one cell.
	// Returns ErrRowNotFound if no row has the given id.
	UpdateCell(ctx context.Context, table, column string, rid int64, value any) error

	// BeginStructuralMutation marks the table as mid-transform until the
	// returned release func runs. Safe to call the release func more than
	// once.
	BeginStructuralMutation(table string) (done func())

	// MutationInProgress reports whether a structural mutation is currently
	// being applied to the table. Compaction must skip such tables.
	MutationInProgress(table string) bool

	Close() error
}
