// Package redis stores spider key/value entries in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the backend.
const DefaultPrefix = "spiderhost"

// Config describes the Redis connection.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KVBackend implements kv.Backend with one string key per entry.
type KVBackend struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis using cfg.
func New(cfg Config) (*KVBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix), nil
}

// NewFromClient wraps an existing client. An empty prefix selects DefaultPrefix.
func NewFromClient(rdb *redis.Client, prefix string) *KVBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &KVBackend{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key used for (namespace, name).
func (b *KVBackend) Key(namespace, name string) string {
	return fmt.Sprintf("%s:%s:store:%s", b.prefix, namespace, name)
}

// Ping verifies connectivity.
func (b *KVBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Get reads an entry. redis.Nil is reported as absent.
func (b *KVBackend) Get(ctx context.Context, namespace, name string) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, b.Key(namespace, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Put writes an entry without expiry.
func (b *KVBackend) Put(ctx context.Context, namespace, name string, value []byte) error {
	if err := b.rdb.Set(ctx, b.Key(namespace, name), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the client.
func (b *KVBackend) Close() error {
	return b.rdb.Close()
}
