package hydrate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"datagrid-studio/persistence/engine"
	"datagrid-studio/persistence/registry"
)

// appStateVersion is bumped on incompatible format changes. Older or
// unrecognized versions are treated as absent, never as fatal; hydration can
// always rebuild from snapshots alone.
const appStateVersion = 1

// ColumnMeta is one column in the saved app state.
type ColumnMeta struct {
	Name    string            `json:"name"`
	Type    engine.ColumnType `json:"type"`
	NotNull bool              `json:"notNull,omitempty"`
}

// TableMeta is one table's metadata in the saved app state.
type TableMeta struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Columns     []ColumnMeta `json:"columns"`
	RowCount    int64        `json:"rowCount"`
	ColumnOrder []string     `json:"columnOrder,omitempty"`
}

// AppState is the persisted session state written alongside snapshots so the
// next boot can restore the table catalog and active selection without
// probing every shard file.
type AppState struct {
	Version       int         `json:"version"`
	ActiveTableID string      `json:"activeTableId,omitempty"`
	Tables        []TableMeta `json:"tables"`
	SavedAt       time.Time   `json:"savedAt"`
}

// tableMeta converts a registry record to its persisted form.
func tableMeta(t registry.Table) TableMeta {
	cols := make([]ColumnMeta, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ColumnMeta{Name: c.Name, Type: c.Type, NotNull: c.NotNull}
	}
	return TableMeta{
		ID:          t.ID,
		Name:        t.Name,
		Columns:     cols,
		RowCount:    t.RowCount,
		ColumnOrder: t.ColumnOrder,
	}
}

// engineColumns converts persisted column metadata back to engine columns.
func (m TableMeta) engineColumns() []engine.Column {
	cols := make([]engine.Column, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = engine.Column{Name: c.Name, Type: c.Type, NotNull: c.NotNull}
	}
	return cols
}

// loadAppState reads the saved state. A missing, corrupt, or
// version-mismatched file yields nil; boot then falls back to snapshot
// probing.
func loadAppState(path string) *AppState {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read app state", slog.String("path", path), slog.Any("error", err))
		}
		return nil
	}

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("ignoring corrupt app state", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	if st.Version != appStateVersion {
		slog.Warn("ignoring app state with unknown version",
			slog.String("path", path),
			slog.Int("version", st.Version))
		return nil
	}
	return &st
}

// writeAppState persists the state with a temp-file write and atomic rename.
func writeAppState(path string, st *AppState) error {
	st.Version = appStateVersion
	st.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode app state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create app state directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write app state temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename app state into place: %w", err)
	}
	return nil
}
