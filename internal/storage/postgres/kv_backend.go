package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// KVBackend implements kv.Backend on the spider_stores table.
type KVBackend struct {
	pool Pool
}

// NewKVBackend wraps an existing pool. Call Migrate first on a fresh database.
func NewKVBackend(pool Pool) (*KVBackend, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &KVBackend{pool: pool}, nil
}

// Get reads one entry.
func (b *KVBackend) Get(ctx context.Context, namespace, name string) ([]byte, bool, error) {
	var value []byte
	err := b.pool.QueryRow(ctx,
		`SELECT value FROM spider_stores WHERE namespace = $1 AND name = $2`,
		namespace, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select store value: %w", err)
	}
	return value, true, nil
}

// Put upserts one entry.
func (b *KVBackend) Put(ctx context.Context, namespace, name string, value []byte) error {
	const query = `
		INSERT INTO spider_stores (namespace, name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, name) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;
	`
	if _, err := b.pool.Exec(ctx, query, namespace, name, value); err != nil {
		return fmt.Errorf("upsert store value: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *KVBackend) Close() error {
	b.pool.Close()
	return nil
}
