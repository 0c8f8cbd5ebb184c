// Package snapshot is the columnar snapshot store: per-table sharded Parquet
// files with atomic temp-file+rename writes. A snapshot is the durable,
// authoritative representation of a table's data as of its last export.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet/file"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"

	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/engine"
)

// DefaultShardRows is the fallback shard size if not configured.
const DefaultShardRows = 100_000

// transientPrefixes mark working files for temporary operations (diff
// scratch tables and similar) that must not survive process exit.
var transientPrefixes = []string{"scratch_", "diff_"}

var shardNameRe = regexp.MustCompile(`^(.+)_shard_(\d+)\.parquet$`)

var nonIdentRe = regexp.MustCompile(`[^a-z0-9]+`)

// ProgressFunc reports per-shard export progress for UI feedback.
type ProgressFunc func(currentShard, totalShards int)

// TableInfo describes an imported table.
type TableInfo struct {
	Name     string
	Columns  []engine.Column
	RowCount int64
}

// Store manages the snapshot directory.
type Store struct {
	dir       string
	shardRows int64
	writerCfg WriterConfig
}

// New creates a snapshot store over the configured directory.
func New(cfg config.SnapshotConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", cfg.Dir, err)
	}

	shardRows := cfg.ShardRows
	if shardRows <= 0 {
		shardRows = DefaultShardRows
	}

	wcfg := DefaultWriterConfig()
	wcfg.CompressionCodec = codecFromName(cfg.Compression)

	return &Store{
		dir:       cfg.Dir,
		shardRows: shardRows,
		writerCfg: wcfg,
	}, nil
}

// Dir returns the snapshot directory path.
func (s *Store) Dir() string {
	return s.dir
}

// NormalizeID derives a snapshot identifier from a table name by
// lower-casing and collapsing non-identifier character runs, so lookups are
// case/format insensitive while metadata preserves the original name.
func NormalizeID(tableName string) string {
	id := nonIdentRe.ReplaceAllString(strings.ToLower(tableName), "_")
	return strings.Trim(id, "_")
}

func (s *Store) shardPath(snapshotID string, n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_shard_%d.parquet", snapshotID, n))
}

// ExportTable streams the table out in bounded-size shards. Each shard is
// written to a temp path and atomically renamed on completion. The changelog
// entries for the table are already reflected in the live engine state, so
// exporting alone is sufficient to persist them.
func (s *Store) ExportTable(ctx context.Context, eng engine.Engine, tableName, snapshotID string, onProgress ProgressFunc) error {
	cols, err := eng.Columns(ctx, tableName)
	if err != nil {
		return fmt.Errorf("failed to read columns of %q: %w", tableName, err)
	}

	rowCount, err := eng.RowCount(ctx, tableName)
	if err != nil {
		return fmt.Errorf("failed to count rows of %q: %w", tableName, err)
	}

	totalShards := int((rowCount + s.shardRows - 1) / s.shardRows)
	if totalShards == 0 {
		totalShards = 1
	}

	schema := buildArrowSchema(tableName, cols)

	written := 0
	afterRID := int64(0)
	for {
		rows, err := eng.ScanRows(ctx, tableName, cols, afterRID, int(s.shardRows))
		if err != nil {
			return fmt.Errorf("failed to scan %q after rid %d: %w", tableName, afterRID, err)
		}
		if len(rows) == 0 && written > 0 {
			break
		}

		path := s.shardPath(snapshotID, written)
		if err := writeShard(path, schema, cols, rows, s.writerCfg); err != nil {
			return fmt.Errorf("failed to write shard %d of %q: %w", written, snapshotID, err)
		}
		written++

		if onProgress != nil {
			total := totalShards
			if written > total {
				total = written
			}
			onProgress(written, total)
		}

		slog.Debug("snapshot shard written",
			slog.String("snapshot_id", snapshotID),
			slog.Int("shard", written-1),
			slog.Int("rows", len(rows)))

		if len(rows) < int(s.shardRows) {
			break
		}
		afterRID = rows[len(rows)-1].RID
	}

	// Drop stale higher-numbered shards from a previous, larger export.
	if err := s.removeShardsFrom(snapshotID, written); err != nil {
		slog.Warn("failed to remove stale shards",
			slog.String("snapshot_id", snapshotID),
			slog.Any("error", err))
	}

	slog.Info("table exported",
		slog.String("table", tableName),
		slog.String("snapshot_id", snapshotID),
		slog.Int64("rows", rowCount),
		slog.Int("shards", written))

	return nil
}

// ImportTable reconstructs a table in the query engine from its shards.
func (s *Store) ImportTable(ctx context.Context, eng engine.Engine, snapshotID, targetTable string) (*TableInfo, error) {
	paths, err := s.shardPaths(snapshotID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no shards found for snapshot %q", snapshotID)
	}

	info := &TableInfo{}
	for i, path := range paths {
		name, cols, rows, err := readShard(ctx, path)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			info.Name = name
			info.Columns = cols
			if err := eng.CreateTable(ctx, targetTable, cols); err != nil {
				return nil, err
			}
		}

		if err := eng.InsertRows(ctx, targetTable, info.Columns, rows); err != nil {
			return nil, fmt.Errorf("failed to insert shard %d of %q: %w", i, snapshotID, err)
		}
		info.RowCount += int64(len(rows))
	}

	slog.Info("table imported",
		slog.String("snapshot_id", snapshotID),
		slog.String("table", targetTable),
		slog.Int64("rows", info.RowCount),
		slog.Int("shards", len(paths)))

	return info, nil
}

// Exists reports whether any shard exists for the snapshot.
func (s *Store) Exists(snapshotID string) (bool, error) {
	paths, err := s.shardPaths(snapshotID)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// Stat reads a snapshot's logical name, columns, and row count from shard
// footers without materializing any row data. Used to register frozen tables
// whose data stays on disk.
func (s *Store) Stat(snapshotID string) (*TableInfo, error) {
	paths, err := s.shardPaths(snapshotID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no shards found for snapshot %q", snapshotID)
	}

	info := &TableInfo{}
	for i, p := range paths {
		rdr, err := file.OpenParquetFile(p, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open shard %s: %w", p, err)
		}

		if i == 0 {
			fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
			if err != nil {
				rdr.Close()
				return nil, fmt.Errorf("failed to create arrow reader for %s: %w", p, err)
			}
			schema, err := fr.Schema()
			if err != nil {
				rdr.Close()
				return nil, fmt.Errorf("failed to read shard schema %s: %w", p, err)
			}
			cols, err := columnsFromSchema(schema)
			if err != nil {
				rdr.Close()
				return nil, fmt.Errorf("shard %s: %w", p, err)
			}
			info.Columns = cols
			info.Name = tableNameFromSchema(schema)
		}

		info.RowCount += rdr.NumRows()
		rdr.Close()
	}

	if info.Name == "" {
		info.Name = snapshotID
	}
	return info, nil
}

// List returns the snapshot ids present in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := shardNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes all shards of a snapshot.
func (s *Store) Delete(snapshotID string) error {
	paths, err := s.shardPaths(snapshotID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("failed to delete shard %s: %w", p, err)
		}
	}
	if len(paths) > 0 {
		slog.Info("snapshot deleted",
			slog.String("snapshot_id", snapshotID),
			slog.Int("shards", len(paths)))
	}
	return nil
}

// CleanupCorrupt removes zero-byte or unreadable shard files left by
// interrupted writes. Returns the number of files removed.
func (s *Store) CleanupCorrupt() (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.parquet"))
	if err != nil {
		return 0, fmt.Errorf("failed to glob shards: %w", err)
	}

	removed := 0
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		corrupt := fi.Size() == 0
		if !corrupt {
			rdr, err := file.OpenParquetFile(p, false)
			if err != nil {
				corrupt = true
			} else {
				rdr.Close()
			}
		}
		if corrupt {
			slog.Warn("removing corrupt snapshot shard", slog.String("file", p))
			if err := os.Remove(p); err != nil {
				slog.Warn("failed to remove corrupt shard",
					slog.String("file", p),
					slog.Any("error", err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// CleanupOrphanedTransients removes in-flight temp files and working files
// for temporary operations that should not have survived process exit.
// Returns the number of files removed.
func (s *Store) CleanupOrphanedTransients() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		transient := strings.HasSuffix(name, ".tmp")
		for _, prefix := range transientPrefixes {
			if strings.HasPrefix(name, prefix) {
				transient = true
				break
			}
		}
		if !transient {
			continue
		}
		slog.Warn("removing orphaned transient file", slog.String("file", name))
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			slog.Warn("failed to remove transient file",
				slog.String("file", name),
				slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed, nil
}

// IsTransientID reports whether a snapshot id names an internal working
// table that hydration must skip.
func IsTransientID(snapshotID string) bool {
	for _, prefix := range transientPrefixes {
		if strings.HasPrefix(snapshotID, prefix) {
			return true
		}
	}
	return false
}

// shardPaths returns a snapshot's shard files sorted by shard number.
func (s *Store) shardPaths(snapshotID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	type shard struct {
		n    int
		path string
	}
	var shards []shard
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := shardNameRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != snapshotID {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		shards = append(shards, shard{n: n, path: filepath.Join(s.dir, e.Name())})
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i].n < shards[j].n })

	paths := make([]string, len(shards))
	for i, sh := range shards {
		paths[i] = sh.path
	}
	return paths, nil
}

// removeShardsFrom deletes shards numbered >= from.
func (s *Store) removeShardsFrom(snapshotID string, from int) error {
	paths, err := s.shardPaths(snapshotID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		m := shardNameRe.FindStringSubmatch(filepath.Base(p))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < from {
			continue
		}
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}
