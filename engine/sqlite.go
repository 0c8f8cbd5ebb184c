package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// ErrRowNotFound is returned by UpdateCell when the target row id does not
// exist (e.g. a changelog entry referencing a since-deleted row).
var ErrRowNotFound = errors.New("engine: row not found")

// SQLiteEngine implements Engine on an embedded SQLite database.
// Stable row identity is SQLite's rowid, bound explicitly on insert so it
// survives export/import round trips.
type SQLiteEngine struct {
	pool *sqlitex.Pool

	mu       sync.Mutex
	mutating map[string]int // table -> depth of structural mutations in flight
}

// NewSQLiteEngine opens the engine database at the specified path.
func NewSQLiteEngine(path string, poolSize int) (*SQLiteEngine, error) {
	if poolSize <= 0 {
		poolSize = 10
	}
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	pool, err := sqlitex.Open(uri, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite pool: %w", err)
	}

	slog.Info("engine opened", slog.String("path", path))

	return &SQLiteEngine{
		pool:     pool,
		mutating: make(map[string]int),
	}, nil
}

// Close safely closes the SQLite connection pool.
func (e *SQLiteEngine) Close() error {
	slog.Info("closing engine")
	return e.pool.Close()
}

// BeginStructuralMutation marks the table as mid-transform until the returned
// release func runs. Compaction consults this flag instead of probing for
// transiently-named staging tables.
func (e *SQLiteEngine) BeginStructuralMutation(table string) (done func()) {
	e.mu.Lock()
	e.mutating[table]++
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.mutating[table] <= 1 {
				delete(e.mutating, table)
			} else {
				e.mutating[table]--
			}
			e.mu.Unlock()
		})
	}
}

// MutationInProgress reports whether a structural mutation is in flight.
func (e *SQLiteEngine) MutationInProgress(table string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutating[table] > 0
}

// quoteIdent quotes an SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ExecuteQuery runs an ad-hoc statement and materializes any result rows.
func (e *SQLiteEngine) ExecuteQuery(ctx context.Context, query string) (*Result, error) {
	conn := e.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	stmt, err := conn.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	defer stmt.Finalize()

	res := &Result{}
	for i := 0; i < stmt.ColumnCount(); i++ {
		res.Columns = append(res.Columns, stmt.ColumnName(i))
	}

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to step: %w", err)
		}
		if !hasRow {
			break
		}
		row := make([]any, stmt.ColumnCount())
		for i := range row {
			row[i] = columnValue(stmt, i)
		}
		res.Rows = append(res.Rows, row)
	}

	return res, nil
}

// TableExists reports whether a table with the given name exists.
func (e *SQLiteEngine) TableExists(ctx context.Context, name string) (bool, error) {
	conn := e.pool.Get(nil)
	if conn == nil {
		return false, fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	stmt := conn.Prep(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`)
	defer stmt.Reset()
	stmt.BindText(1, name)

	hasRow, err := stmt.Step()
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}
	if !hasRow {
		return false, nil
	}
	return stmt.ColumnInt64(0) > 0, nil
}

// Columns returns the declared column list of a table.
func (e *SQLiteEngine) Columns(ctx context.Context, name string) ([]Column, error) {
	conn := e.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	stmt, err := conn.Prepare(fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare table_info: %w", err)
	}
	defer stmt.Finalize()

	var cols []Column
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read table_info: %w", err)
		}
		if !hasRow {
			break
		}
		cols = append(cols, Column{
			Name:    stmt.GetText("name"),
			Type:    parseColumnType(stmt.GetText("type")),
			NotNull: stmt.GetInt64("notnull") != 0,
		})
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q has no columns or does not exist", name)
	}
	return cols, nil
}

// RowCount returns the number of rows in the table.
func (e *SQLiteEngine) RowCount(ctx context.Context, name string) (int64, error) {
	conn := e.pool.Get(nil)
	if conn == nil {
		return 0, fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	stmt, err := conn.Prepare(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name)))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare count: %w", err)
	}
	defer stmt.Finalize()

	hasRow, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.ColumnInt64(0), nil
}

// CreateTable creates a table with the given columns, replacing any existing
// table of the same name.
func (e *SQLiteEngine) CreateTable(ctx context.Context, name string, cols []Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("cannot create table %q with no columns", name)
	}

	conn := e.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		def := fmt.Sprintf("%s %s", quoteIdent(c.Name), sqlType(c.Type))
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	script := fmt.Sprintf("DROP TABLE IF EXISTS %s;\nCREATE TABLE %s (%s);",
		quoteIdent(name), quoteIdent(name), strings.Join(defs, ", "))
	if err := sqlitex.ExecScript(conn, script); err != nil {
		return fmt.Errorf("failed to create table %q: %w", name, err)
	}
	return nil
}

// DropTable removes the table if it exists.
func (e *SQLiteEngine) DropTable(ctx context.Context, name string) error {
	conn := e.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	if err := sqlitex.ExecScript(conn, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to drop table %q: %w", name, err)
	}
	return nil
}

// InsertRows inserts rows binding their stable row ids explicitly.
func (e *SQLiteEngine) InsertRows(ctx context.Context, name string, cols []Column, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	conn := e.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	names := make([]string, 0, len(cols)+1)
	names = append(names, "rowid")
	marks := make([]string, 0, len(cols)+1)
	marks = append(marks, "?")
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
		marks = append(marks, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(names, ", "), strings.Join(marks, ", "))

	var err error
	defer sqlitex.Save(conn)(&err)

	stmt, err := conn.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Finalize()

	for _, row := range rows {
		if len(row.Values) != len(cols) {
			err = fmt.Errorf("row %d has %d values, want %d", row.RID, len(row.Values), len(cols))
			return err
		}
		stmt.BindInt64(1, row.RID)
		for i, v := range row.Values {
			if bindErr := bindValue(stmt, i+2, v); bindErr != nil {
				err = bindErr
				return err
			}
		}
		if _, err = stmt.Step(); err != nil {
			stmt.Reset()
			err = fmt.Errorf("failed to insert row %d: %w", row.RID, err)
			return err
		}
		if err = stmt.Reset(); err != nil {
			return err
		}
		stmt.ClearBindings()
	}

	return nil
}

// ScanRows reads up to limit rows with rid > afterRID in rid order.
func (e *SQLiteEngine) ScanRows(ctx context.Context, name string, cols []Column, afterRID int64, limit int) ([]Row, error) {
	conn := e.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
	}
	query := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE rowid > ? ORDER BY rowid LIMIT ?",
		strings.Join(names, ", "), quoteIdent(name))

	stmt, err := conn.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare scan: %w", err)
	}
	defer stmt.Finalize()

	stmt.BindInt64(1, afterRID)
	stmt.BindInt64(2, int64(limit))

	var rows []Row
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to step: %w", err)
		}
		if !hasRow {
			break
		}
		row := Row{RID: stmt.ColumnInt64(0), Values: make([]any, len(cols))}
		for i := range cols {
			row.Values[i] = columnValue(stmt, i+1)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// UpdateCell applies an absolute value assignment to one cell by row id.
func (e *SQLiteEngine) UpdateCell(ctx context.Context, table, column string, rid int64, value any) error {
	conn := e.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer e.pool.Put(conn)

	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", quoteIdent(table), quoteIdent(column))
	stmt, err := conn.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Finalize()

	if err := bindValue(stmt, 1, value); err != nil {
		return err
	}
	stmt.BindInt64(2, rid)

	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to update cell: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("update %s.%s rid=%d: %w", table, column, rid, ErrRowNotFound)
	}
	return nil
}

// sqlType maps a ColumnType to its SQLite declaration.
func sqlType(t ColumnType) string {
	switch t {
	case TypeInteger, TypeReal, TypeText, TypeBoolean:
		return string(t)
	default:
		return string(TypeText)
	}
}

// parseColumnType maps a declared SQLite type back to a ColumnType.
func parseColumnType(decl string) ColumnType {
	switch strings.ToUpper(strings.TrimSpace(decl)) {
	case "INTEGER", "INT", "BIGINT":
		return TypeInteger
	case "REAL", "FLOAT", "DOUBLE":
		return TypeReal
	case "BOOLEAN", "BOOL":
		return TypeBoolean
	default:
		return TypeText
	}
}

// bindValue binds a Go value at the given 1-based position.
func bindValue(stmt *sqlite.Stmt, pos int, v any) error {
	switch val := v.(type) {
	case nil:
		stmt.BindNull(pos)
	case int64:
		stmt.BindInt64(pos, val)
	case int:
		stmt.BindInt64(pos, int64(val))
	case float64:
		stmt.BindFloat(pos, val)
	case bool:
		if val {
			stmt.BindInt64(pos, 1)
		} else {
			stmt.BindInt64(pos, 0)
		}
	case string:
		stmt.BindText(pos, val)
	case []byte:
		stmt.BindBytes(pos, val)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// columnValue reads the value at the given 0-based result column.
func columnValue(stmt *sqlite.Stmt, col int) any {
	switch stmt.ColumnType(col) {
	case sqlite.SQLITE_INTEGER:
		return stmt.ColumnInt64(col)
	case sqlite.SQLITE_FLOAT:
		return stmt.ColumnFloat(col)
	case sqlite.SQLITE_NULL:
		return nil
	case sqlite.SQLITE_BLOB:
		buf := make([]byte, stmt.ColumnLen(col))
		stmt.ColumnBytes(col, buf)
		return buf
	default:
		return stmt.ColumnText(col)
	}
}
