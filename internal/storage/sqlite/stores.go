package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Get reads one key/value entry.
func (d *DB) Get(ctx context.Context, namespace, name string) ([]byte, bool, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM spider_stores WHERE namespace = ? AND name = ?`, namespace, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select store value: %w", err)
	}
	return value, true, nil
}

// Put upserts one key/value entry.
func (d *DB) Put(ctx context.Context, namespace, name string, value []byte) error {
	const query = `
		INSERT INTO spider_stores (namespace, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, name) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := d.db.ExecContext(ctx, query, namespace, name, value, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("upsert store value: %w", err)
	}
	return nil
}
