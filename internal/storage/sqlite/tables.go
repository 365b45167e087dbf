package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Schema loads the catalog entry for table.
func (d *DB) Schema(ctx context.Context, table string) (spider.Schema, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT columns FROM spider_tables WHERE name = ?`, table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return spider.Schema{}, false, nil
	}
	if err != nil {
		return spider.Schema{}, false, fmt.Errorf("select schema: %w", err)
	}
	var cols []spider.Column
	if err := json.Unmarshal([]byte(raw), &cols); err != nil {
		return spider.Schema{}, false, fmt.Errorf("decode schema: %w", err)
	}
	return spider.Schema{Table: table, Columns: cols}, true, nil
}

// CreateTable registers the schema, creates the backing table and stores the
// first row in one transaction.
func (d *DB) CreateTable(ctx context.Context, schema spider.Schema, first spider.Row) (bool, error) {
	cols, err := json.Marshal(schema.Columns)
	if err != nil {
		return false, fmt.Errorf("encode schema: %w", err)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create table: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO spider_tables (name, columns, created_at) VALUES (?, ?, ?)`,
		schema.Table, string(cols), time.Now().UTC().UnixNano())
	if err != nil {
		return false, rollback(tx, fmt.Errorf("insert catalog row: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, rollback(tx, err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return false, rollback(tx, fmt.Errorf("create table %s: %w", schema.Table, err))
	}
	if _, err := tx.ExecContext(ctx, insertSQL(schema), encodeRow(first)...); err != nil {
		return false, rollback(tx, fmt.Errorf("insert first row: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create table: %w", err)
	}
	return true, nil
}

// Append inserts one row.
func (d *DB) Append(ctx context.Context, schema spider.Schema, row spider.Row) error {
	if _, err := d.db.ExecContext(ctx, insertSQL(schema), encodeRow(row)...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

// Top selects up to n rows ordered by column with _seq as the tiebreak.
func (d *DB) Top(ctx context.Context, schema spider.Schema, column string, n int, order spider.Order) ([]spider.Row, error) {
	if _, ok := schema.Index(column); !ok {
		return nil, fmt.Errorf("column %q not in table %q", column, schema.Table)
	}
	dir := "DESC"
	if order == spider.OrderAsc {
		dir = "ASC"
	}
	query := fmt.Sprintf("%s ORDER BY %s %s, %s ASC LIMIT ?", selectSQL(schema), quote(column), dir, spider.SeqColumn)
	return d.query(ctx, schema, query, n)
}

// Rows returns every row in insertion order.
func (d *DB) Rows(ctx context.Context, schema spider.Schema) ([]spider.Row, error) {
	return d.query(ctx, schema, fmt.Sprintf("%s ORDER BY %s ASC", selectSQL(schema), spider.SeqColumn))
}

// Tables lists the catalog.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM spider_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func (d *DB) query(ctx context.Context, schema spider.Schema, query string, args ...any) ([]spider.Row, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []spider.Row{}
	for rows.Next() {
		dst := scanTargets(schema)
		if err := rows.Scan(dst...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(spider.Row, len(dst))
		for i, p := range dst {
			v, err := spider.Coerce(schema.Columns[i].Type, deref(p))
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

func rollback(tx *sql.Tx, cause error) error {
	if err := tx.Rollback(); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func physicalName(table string) string {
	return quote("ds_" + table)
}

// Booleans are stored as INTEGER; timestamps as fixed-width TEXT in
// spider.TimeLayout so they sort and cover years 1-9999.
func sqlType(t spider.ColumnType) string {
	switch t {
	case spider.TypeBool, spider.TypeInt:
		return "INTEGER"
	case spider.TypeFloat:
		return "REAL"
	case spider.TypeBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func createTableSQL(schema spider.Schema) string {
	defs := []string{spider.SeqColumn + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range schema.Columns {
		defs = append(defs, quote(c.Name)+" "+sqlType(c.Type)+" NOT NULL")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", physicalName(schema.Table), strings.Join(defs, ", "))
}

func insertSQL(schema spider.Schema) string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quote(c.Name)
	}
	params := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", physicalName(schema.Table), strings.Join(cols, ", "), params)
}

func selectSQL(schema spider.Schema) string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quote(c.Name)
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), physicalName(schema.Table))
}

func encodeRow(row spider.Row) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case bool:
			if x {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		case time.Time:
			out[i] = x.UTC().Format(spider.TimeLayout)
		default:
			out[i] = v
		}
	}
	return out
}

func scanTargets(schema spider.Schema) []any {
	dst := make([]any, len(schema.Columns))
	for i, c := range schema.Columns {
		switch c.Type {
		case spider.TypeBool, spider.TypeInt:
			dst[i] = new(int64)
		case spider.TypeFloat:
			dst[i] = new(float64)
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
	case *int64:
		return *v
	case *float64:
		return *v
	case *[]byte:
		return *v
	case *string:
		return *v
	}
	return nil
}
