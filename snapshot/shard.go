package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/file"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"

	"datagrid-studio/persistence/engine"
)

// ridField is the leading column carrying each row's stable identity.
const ridField = "_rid"

// metaTableName is the schema metadata key holding the logical table name,
// which preserves original casing while file names use the normalized id.
const metaTableName = "table_name"

// metaSQLType is the field metadata key holding the declared column type.
const metaSQLType = "sqltype"

// WriterConfig holds configuration for shard file writing.
type WriterConfig struct {
	CompressionCodec compress.Compression
	CompressionLevel int
}

// DefaultWriterConfig returns the default shard writer configuration.
// LZ4 keeps per-shard write memory small compared to Zstd.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		CompressionCodec: compress.Codecs.Lz4Raw,
		CompressionLevel: 0,
	}
}

// codecFromName maps a config compression name to a parquet codec.
func codecFromName(name string) compress.Compression {
	switch name {
	case "zstd":
		return compress.Codecs.Zstd
	case "snappy":
		return compress.Codecs.Snappy
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Lz4Raw
	}
}

// buildArrowSchema derives the shard schema from the table's column list.
// The logical table name travels in schema metadata; declared column types
// travel in field metadata so import can reconstruct the exact DDL.
func buildArrowSchema(tableName string, cols []engine.Column) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(cols)+1)
	fields = append(fields, arrow.Field{Name: ridField, Type: arrow.PrimitiveTypes.Int64, Nullable: false})

	for _, c := range cols {
		var dt arrow.DataType
		switch c.Type {
		case engine.TypeInteger:
			dt = arrow.PrimitiveTypes.Int64
		case engine.TypeReal:
			dt = arrow.PrimitiveTypes.Float64
		case engine.TypeBoolean:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			dt = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{
			Name:     c.Name,
			Type:     dt,
			Nullable: !c.NotNull,
			Metadata: arrow.NewMetadata([]string{metaSQLType}, []string{string(c.Type)}),
		})
	}

	md := arrow.NewMetadata([]string{metaTableName}, []string{tableName})
	return arrow.NewSchema(fields, &md)
}

// columnsFromSchema reconstructs the column list from a shard schema.
func columnsFromSchema(schema *arrow.Schema) ([]engine.Column, error) {
	if schema.NumFields() == 0 || schema.Field(0).Name != ridField {
		return nil, fmt.Errorf("shard schema missing leading %s column", ridField)
	}

	cols := make([]engine.Column, 0, schema.NumFields()-1)
	for i := 1; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		var ct engine.ColumnType
		if idx := f.Metadata.FindKey(metaSQLType); idx >= 0 {
			ct = engine.ColumnType(f.Metadata.Values()[idx])
		} else {
			switch f.Type.ID() {
			case arrow.INT64:
				ct = engine.TypeInteger
			case arrow.FLOAT64:
				ct = engine.TypeReal
			case arrow.BOOL:
				ct = engine.TypeBoolean
			default:
				ct = engine.TypeText
			}
		}
		cols = append(cols, engine.Column{Name: f.Name, Type: ct, NotNull: !f.Nullable})
	}
	return cols, nil
}

// tableNameFromSchema reads the logical table name from schema metadata.
func tableNameFromSchema(schema *arrow.Schema) string {
	md := schema.Metadata()
	if idx := md.FindKey(metaTableName); idx >= 0 {
		return md.Values()[idx]
	}
	return ""
}

// buildRecordBatch creates an Arrow record batch from table rows.
// Uses a fresh allocator per shard to avoid memory accumulation.
func buildRecordBatch(alloc memory.Allocator, schema *arrow.Schema, cols []engine.Column, rows []engine.Row) (arrow.Record, error) {
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	ridBuilder := bldr.Field(0).(*array.Int64Builder)
	for _, row := range rows {
		ridBuilder.Append(row.RID)
	}

	for i, c := range cols {
		fb := bldr.Field(i + 1)
		for _, row := range rows {
			v := row.Values[i]
			if v == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, c, v); err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
		}
	}

	return bldr.NewRecord(), nil
}

// appendValue appends one cell to the column's builder, coercing the loose
// engine value representation into the shard's arrow type.
func appendValue(fb array.Builder, col engine.Column, v any) error {
	switch b := fb.(type) {
	case *array.Int64Builder:
		switch val := v.(type) {
		case int64:
			b.Append(val)
		case int:
			b.Append(int64(val))
		case float64:
			b.Append(int64(val))
		default:
			return fmt.Errorf("unsupported integer value %T", v)
		}
	case *array.Float64Builder:
		switch val := v.(type) {
		case float64:
			b.Append(val)
		case int64:
			b.Append(float64(val))
		default:
			return fmt.Errorf("unsupported real value %T", v)
		}
	case *array.BooleanBuilder:
		switch val := v.(type) {
		case bool:
			b.Append(val)
		case int64:
			b.Append(val != 0)
		default:
			return fmt.Errorf("unsupported boolean value %T", v)
		}
	case *array.StringBuilder:
		switch val := v.(type) {
		case string:
			b.Append(val)
		case []byte:
			b.Append(string(val))
		default:
			return fmt.Errorf("unsupported text value %T", v)
		}
	default:
		return fmt.Errorf("unsupported builder type %T", fb)
	}
	return nil
}

// writeShard writes one shard to a temp file and atomically renames it into
// place, so a reader never observes a half-written shard.
func writeShard(path string, schema *arrow.Schema, cols []engine.Column, rows []engine.Row, cfg WriterConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Unique temp name: a scheduled save and a compaction cycle may export
	// the same table concurrently; both renames are atomic and equivalent.
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tmpPath, err)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(cfg.CompressionCodec),
		parquet.WithCompressionLevel(cfg.CompressionLevel),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, arrowProps)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	if len(rows) > 0 {
		alloc := memory.NewGoAllocator()
		batch, err := buildRecordBatch(alloc, schema, cols, rows)
		if err != nil {
			writer.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to build record batch: %w", err)
		}

		if err := writer.WriteBuffered(batch); err != nil {
			batch.Release()
			writer.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		batch.Release()
	}

	// Note: pqarrow.FileWriter.Close() closes the underlying file
	if err := writer.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// readShard reads one shard back into rows, along with the reconstructed
// column list and logical table name.
func readShard(ctx context.Context, path string) (tableName string, cols []engine.Column, rows []engine.Row, err error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to open shard %s: %w", path, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 64 * 1024}, memory.DefaultAllocator)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to create arrow reader for %s: %w", path, err)
	}

	schema, err := fr.Schema()
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to read shard schema %s: %w", path, err)
	}

	cols, err = columnsFromSchema(schema)
	if err != nil {
		return "", nil, nil, fmt.Errorf("shard %s: %w", path, err)
	}
	tableName = tableNameFromSchema(schema)

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to create record reader for %s: %w", path, err)
	}
	defer rr.Release()

	for rr.Next() {
		rec := rr.Record()
		batch, convErr := rowsFromRecord(rec, cols)
		if convErr != nil {
			return "", nil, nil, fmt.Errorf("shard %s: %w", path, convErr)
		}
		rows = append(rows, batch...)
	}
	if err := rr.Err(); err != nil {
		return "", nil, nil, fmt.Errorf("failed to read shard %s: %w", path, err)
	}

	return tableName, cols, rows, nil
}

// rowsFromRecord converts one arrow record batch into engine rows.
func rowsFromRecord(rec arrow.Record, cols []engine.Column) ([]engine.Row, error) {
	n := int(rec.NumRows())
	if int(rec.NumCols()) != len(cols)+1 {
		return nil, fmt.Errorf("record has %d columns, want %d", rec.NumCols(), len(cols)+1)
	}

	rids, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("unexpected %s column type %T", ridField, rec.Column(0))
	}

	rows := make([]engine.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = engine.Row{RID: rids.Value(i), Values: make([]any, len(cols))}
	}

	for c := range cols {
		arr := rec.Column(c + 1)
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				continue
			}
			switch a := arr.(type) {
			case *array.Int64:
				rows[i].Values[c] = a.Value(i)
			case *array.Float64:
				rows[i].Values[c] = a.Value(i)
			case *array.Boolean:
				rows[i].Values[c] = a.Value(i)
			case *array.String:
				rows[i].Values[c] = a.Value(i)
			default:
				return nil, fmt.Errorf("unsupported array type %T", arr)
			}
		}
	}

	return rows, nil
}
