package etl

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/pkg/errors"

	"amt/internal/frame"
	"amt/internal/staging"
)

// ── Destination ────────────────────────────────────────────
// A Destination persists a finished view. The table handed over already
// matches the schema column for column and cell for cell.

// Destination writes view output to a target system.
type Destination interface {
	Save(ctx context.Context, t *frame.Table, schema *Schema, view, year string) (string, error)
}

// ── Parquet Destination ────────────────────────────────────
// Writes <root>/[<year>/]<view>.parquet. The file is encoded in memory and
// then moved into place, so readers never see a partial file.

// ParquetWriter implements Destination with Apache Parquet files.
type ParquetWriter struct {
	Root        string
	Compression compress.Compression
	mem         memory.Allocator
}

// NewParquetWriter returns a snappy-compressing writer rooted at root.
func NewParquetWriter(root string) *ParquetWriter {
	return &ParquetWriter{Root: root, Compression: compress.Codecs.Snappy, mem: memory.NewGoAllocator()}
}

// Path returns the output file of a view.
func (w *ParquetWriter) Path(view, year string) string {
	return filepath.Join(w.Root, year, view+".parquet")
}

func (w *ParquetWriter) Save(ctx context.Context, t *frame.Table, schema *Schema, view, year string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec, err := w.record(t, schema)
	if err != nil {
		return "", err
	}
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.Compression),
		parquet.WithCreatedBy("amt"),
	)
	fw, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return "", errors.Wrap(err, "open parquet writer")
	}
	if rec.NumRows() > 0 {
		if err := fw.Write(rec); err != nil {
			_ = fw.Close()
			return "", errors.Wrap(err, "write parquet row group")
		}
	}
	if err := fw.Close(); err != nil {
		return "", errors.Wrap(err, "close parquet writer")
	}

	path := w.Path(view, year)
	if err := staging.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// ArrowSchema maps a view schema to Arrow. Text columns are never null.
func ArrowSchema(schema *Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(schema.Fields))
	for i, f := range schema.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: f.Type != TypeString}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(typ string) arrow.DataType {
	switch typ {
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func (w *ParquetWriter) record(t *frame.Table, schema *Schema) (arrow.Record, error) {
	mem := w.mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, ArrowSchema(schema))
	defer b.Release()

	for i, f := range schema.Fields {
		col, ok := t.Column(f.Name)
		if !ok {
			return nil, errors.Errorf("column %q missing from output", f.Name)
		}
		for row, v := range col {
			if err := appendCell(b.Field(i), v); err != nil {
				return nil, errors.Wrapf(err, "column %q row %d", f.Name, row)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendCell(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			b.Append(s)
			return nil
		}
	case *array.Int64Builder:
		if n, ok := v.(int64); ok {
			b.Append(n)
			return nil
		}
	case *array.Float64Builder:
		if n, ok := v.(float64); ok {
			b.Append(n)
			return nil
		}
	case *array.BooleanBuilder:
		if n, ok := v.(bool); ok {
			b.Append(n)
			return nil
		}
	}
	return errors.Errorf("unexpected %T for %s column", v, fb.Type())
}
