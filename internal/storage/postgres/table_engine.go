package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// TableEngine implements tabular.Engine.
type TableEngine struct {
	pool Pool
}

// NewTableEngine wraps an existing pool. Call Migrate first on a fresh database.
func NewTableEngine(pool Pool) (*TableEngine, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TableEngine{pool: pool}, nil
}

// Schema loads the catalog entry for table.
func (e *TableEngine) Schema(ctx context.Context, table string) (spider.Schema, bool, error) {
	var raw []byte
	err := e.pool.QueryRow(ctx, `SELECT columns FROM spider_tables WHERE name = $1`, table).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.Schema{}, false, nil
	}
	if err != nil {
		return spider.Schema{}, false, fmt.Errorf("select schema: %w", err)
	}
	var cols []spider.Column
	if err := json.Unmarshal(raw, &cols); err != nil {
		return spider.Schema{}, false, fmt.Errorf("decode schema: %w", err)
	}
	return spider.Schema{Table: table, Columns: cols}, true, nil
}

// CreateTable claims the catalog row, creates the physical table and inserts
// the first row in one transaction. A catalog conflict means another writer
// won; nothing is written and false is returned.
func (e *TableEngine) CreateTable(ctx context.Context, schema spider.Schema, first spider.Row) (bool, error) {
	cols, err := json.Marshal(schema.Columns)
	if err != nil {
		return false, fmt.Errorf("encode schema: %w", err)
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin create table: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO spider_tables (name, columns) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		schema.Table, cols)
	if err != nil {
		return false, rollback(ctx, tx, fmt.Errorf("insert catalog row: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return false, rollback(ctx, tx, nil)
	}
	if _, err := tx.Exec(ctx, createTableSQL(schema)); err != nil {
		return false, rollback(ctx, tx, fmt.Errorf("create table %s: %w", schema.Table, err))
	}
	if _, err := tx.Exec(ctx, insertSQL(schema), first...); err != nil {
		return false, rollback(ctx, tx, fmt.Errorf("insert first row: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit create table: %w", err)
	}
	return true, nil
}

// Append inserts one row.
func (e *TableEngine) Append(ctx context.Context, schema spider.Schema, row spider.Row) error {
	if _, err := e.pool.Exec(ctx, insertSQL(schema), row...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

// Top selects up to n rows ordered by column, ties by _seq.
func (e *TableEngine) Top(ctx context.Context, schema spider.Schema, column string, n int, order spider.Order) ([]spider.Row, error) {
	if _, ok := schema.Index(column); !ok {
		return nil, fmt.Errorf("column %q not in table %q", column, schema.Table)
	}
	dir := "DESC"
	if order == spider.OrderAsc {
		dir = "ASC"
	}
	query := fmt.Sprintf("%s ORDER BY %s %s, %s ASC LIMIT $1",
		selectSQL(schema), quote(column), dir, spider.SeqColumn)
	return e.query(ctx, schema, query, n)
}

// Rows selects every row in insertion order.
func (e *TableEngine) Rows(ctx context.Context, schema spider.Schema) ([]spider.Row, error) {
	return e.query(ctx, schema, fmt.Sprintf("%s ORDER BY %s ASC", selectSQL(schema), spider.SeqColumn))
}

// Tables lists catalog entries.
func (e *TableEngine) Tables(ctx context.Context) ([]string, error) {
	rows, err := e.pool.Query(ctx, `SELECT name FROM spider_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// Close releases the pool.
func (e *TableEngine) Close() error {
	e.pool.Close()
	return nil
}

func (e *TableEngine) query(ctx context.Context, schema spider.Schema, query string, args ...any) ([]spider.Row, error) {
	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select rows: %w", err)
	}
	defer rows.Close()

	var out []spider.Row
	for rows.Next() {
		dst := scanTargets(schema)
		if err := rows.Scan(dst...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(spider.Row, len(dst))
		for i, d := range dst {
			v, err := spider.Coerce(schema.Columns[i].Type, deref(d))
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

// physicalName maps a table to its backing relation.
func physicalName(table string) string {
	return quote("ds_" + table)
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func sqlType(t spider.ColumnType) string {
	switch t {
	case spider.TypeBool:
		return "BOOLEAN"
	case spider.TypeInt:
		return "BIGINT"
	case spider.TypeFloat:
		return "DOUBLE PRECISION"
	case spider.TypeTime:
		return "TIMESTAMPTZ"
	case spider.TypeBytes:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func createTableSQL(schema spider.Schema) string {
	defs := make([]string, 0, len(schema.Columns)+1)
	defs = append(defs, spider.SeqColumn+" BIGSERIAL PRIMARY KEY")
	for _, c := range schema.Columns {
		defs = append(defs, quote(c.Name)+" "+sqlType(c.Type)+" NOT NULL")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", physicalName(schema.Table), strings.Join(defs, ", "))
}

func insertSQL(schema spider.Schema) string {
	cols := make([]string, len(schema.Columns))
	params := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quote(c.Name)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		physicalName(schema.Table), strings.Join(cols, ", "), strings.Join(params, ", "))
}

func selectSQL(schema spider.Schema) string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quote(c.Name)
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), physicalName(schema.Table))
}

func scanTargets(schema spider.Schema) []any {
	dst := make([]any, len(schema.Columns))
	for i, c := range schema.Columns {
		switch c.Type {
		case spider.TypeBool:
			dst[i] = new(bool)
		case spider.TypeInt:
			dst[i] = new(int64)
		case spider.TypeFloat:
			dst[i] = new(float64)
		case spider.TypeTime:
			dst[i] = new(time.Time)
		case spider.TypeBytes:
			dst[i] = new([]byte)
		default:
			dst[i] = new(string)
		}
	}
	return dst
}

func deref(p any) any {
	switch v := p.(type) {
	case *bool:
		return *v
	case *int64:
		return *v
	case *float64:
		return *v
	case *time.Time:
		return *v
	case *[]byte:
		return *v
	case *string:
		return *v
	}
	return nil
}
