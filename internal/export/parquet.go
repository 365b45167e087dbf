// Package export writes spider tables to Parquet files.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

// ParquetSchema maps a table schema onto a flat Parquet schema. Every column
// is required since tables never hold nulls.
func ParquetSchema(schema spider.Schema) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, c := range schema.Columns {
		node, err := parquetNode(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		group[c.Name] = node
	}
	return parquet.NewSchema(schema.Table, group), nil
}

func parquetNode(t spider.ColumnType) (parquet.Node, error) {
	switch t {
	case spider.TypeBool:
		return parquet.Leaf(parquet.BooleanType), nil
	case spider.TypeInt:
		return parquet.Int(64), nil
	case spider.TypeFloat:
		return parquet.Leaf(parquet.DoubleType), nil
	case spider.TypeString:
		return parquet.String(), nil
	case spider.TypeTime:
		return parquet.Timestamp(parquet.Nanosecond), nil
	case spider.TypeBytes:
		return parquet.Leaf(parquet.ByteArrayType), nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", t)
	}
}

// WriteParquet encodes rows to w. Rows must be in schema column order.
func WriteParquet(w io.Writer, schema spider.Schema, rows []spider.Row) (int, error) {
	pschema, err := ParquetSchema(schema)
	if err != nil {
		return 0, err
	}
	index := make([]int, len(schema.Columns))
	for i, c := range schema.Columns {
		leaf, ok := pschema.Lookup(c.Name)
		if !ok {
			return 0, fmt.Errorf("column %q missing from parquet schema", c.Name)
		}
		index[i] = leaf.ColumnIndex
	}

	out := make([]parquet.Row, 0, len(rows))
	for n, r := range rows {
		if len(r) != len(schema.Columns) {
			return 0, fmt.Errorf("row %d has %d values, want %d", n, len(r), len(schema.Columns))
		}
		prow := make(parquet.Row, len(r))
		for i, v := range r {
			pv, err := parquetValue(schema.Columns[i].Type, v)
			if err != nil {
				return 0, fmt.Errorf("row %d column %q: %w", n, schema.Columns[i].Name, err)
			}
			prow[index[i]] = pv.Level(0, 0, index[i])
		}
		out = append(out, prow)
	}

	writer := parquet.NewWriter(w, pschema)
	if _, err := writer.WriteRows(out); err != nil {
		_ = writer.Close()
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return len(out), nil
}

func parquetValue(t spider.ColumnType, v any) (parquet.Value, error) {
	switch t {
	case spider.TypeBool:
		if b, ok := v.(bool); ok {
			return parquet.BooleanValue(b), nil
		}
	case spider.TypeInt:
		if i, ok := v.(int64); ok {
			return parquet.Int64Value(i), nil
		}
	case spider.TypeFloat:
		if f, ok := v.(float64); ok {
			return parquet.DoubleValue(f), nil
		}
	case spider.TypeString:
		if s, ok := v.(string); ok {
			return parquet.ByteArrayValue([]byte(s)), nil
		}
	case spider.TypeTime:
		if ts, ok := v.(time.Time); ok {
			return parquet.Int64Value(ts.UnixNano()), nil
		}
	case spider.TypeBytes:
		if b, ok := v.([]byte); ok {
			return parquet.ByteArrayValue(b), nil
		}
	}
	return parquet.Value{}, fmt.Errorf("%w: %T is not %s", spider.ErrSchemaMismatch, v, t)
}

// Table dumps every row of table to a Parquet file at path and returns the
// number of rows written.
func Table(ctx context.Context, store *tabular.Store, table, path string) (int, error) {
	schema, rows, err := store.Rows(ctx, table)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path) // #nosec G304 -- operator-supplied output path.
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	n, err := WriteParquet(f, schema, rows)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close export file: %w", closeErr)
	}
	return n, err
}
