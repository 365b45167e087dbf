// Package memory keeps tables and key/value entries in process memory. It
// backs local runs and tests; nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// TableEngine implements tabular.Engine with RWMutex-guarded maps.
type TableEngine struct {
	mu     sync.RWMutex
	tables map[string]*table
	closed bool
}

type table struct {
	schema spider.Schema
	rows   []spider.Row
}

// NewTableEngine constructs an empty TableEngine.
func NewTableEngine() *TableEngine {
	return &TableEngine{tables: make(map[string]*table)}
}

var errClosed = errors.New("memory engine closed")

// Schema returns the stored schema for name.
func (e *TableEngine) Schema(_ context.Context, name string) (spider.Schema, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return spider.Schema{}, false, errClosed
	}
	t, ok := e.tables[name]
	if !ok {
		return spider.Schema{}, false, nil
	}
	return cloneSchema(t.schema), true, nil
}

// CreateTable registers the schema and first row unless the table exists.
func (e *TableEngine) CreateTable(_ context.Context, schema spider.Schema, first spider.Row) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, errClosed
	}
	if _, ok := e.tables[schema.Table]; ok {
		return false, nil
	}
	e.tables[schema.Table] = &table{
		schema: cloneSchema(schema),
		rows:   []spider.Row{cloneRow(first)},
	}
	return true, nil
}

// Append adds row to the table.
func (e *TableEngine) Append(_ context.Context, schema spider.Schema, row spider.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	t, ok := e.tables[schema.Table]
	if !ok {
		return fmt.Errorf("table %q not found", schema.Table)
	}
	t.rows = append(t.rows, cloneRow(row))
	return nil
}

// Top sorts a copy of the rows by column. The sort is stable, so equal keys
// keep insertion order in both directions.
func (e *TableEngine) Top(_ context.Context, schema spider.Schema, column string, n int, order spider.Order) ([]spider.Row, error) {
	idx, ok := schema.Index(column)
	if !ok {
		return nil, fmt.Errorf("column %q not in table %q", column, schema.Table)
	}
	typ := schema.Columns[idx].Type

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errClosed
	}
	t, ok := e.tables[schema.Table]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("table %q not found", schema.Table)
	}
	rows := slices.Clone(t.rows)
	e.mu.RUnlock()

	slices.SortStableFunc(rows, func(a, b spider.Row) int {
		c := spider.CompareValues(typ, a[idx], b[idx])
		if order == spider.OrderDesc {
			return -c
		}
		return c
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]spider.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

// Rows returns a copy of every row in insertion order.
func (e *TableEngine) Rows(_ context.Context, schema spider.Schema) ([]spider.Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errClosed
	}
	t, ok := e.tables[schema.Table]
	if !ok {
		return nil, fmt.Errorf("table %q not found", schema.Table)
	}
	out := make([]spider.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

// Tables lists table names in lexical order.
func (e *TableEngine) Tables(context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Count returns the number of rows in name, for tests and status pages.
func (e *TableEngine) Count(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tables[name]; ok {
		return len(t.rows)
	}
	return 0
}

// Close marks the engine closed. Later calls fail.
func (e *TableEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func cloneSchema(s spider.Schema) spider.Schema {
	return spider.Schema{Table: s.Table, Columns: slices.Clone(s.Columns)}
}

func cloneRow(r spider.Row) spider.Row {
	out := make(spider.Row, len(r))
	for i, v := range r {
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		out[i] = v
	}
	return out
}
