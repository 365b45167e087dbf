// Package storage opens the tabular engine and key/value backend selected by
// configuration. Backends that can serve both concerns (postgres, sqlite)
// share one connection.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	gcstorage "cloud.google.com/go/storage"
	"github.com/adrg/xdg"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/kv"
	"github.com/JakeFAU/spiderhost/internal/storage/gcs"
	"github.com/JakeFAU/spiderhost/internal/storage/local"
	"github.com/JakeFAU/spiderhost/internal/storage/memory"
	"github.com/JakeFAU/spiderhost/internal/storage/postgres"
	"github.com/JakeFAU/spiderhost/internal/storage/redis"
	"github.com/JakeFAU/spiderhost/internal/storage/sqlite"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

// Backend names accepted by Config.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
	WAL  bool   `mapstructure:"wal"`
}

// Config selects and configures the storage backends.
type Config struct {
	Tabular  string          `mapstructure:"tabular"`
	KV       string          `mapstructure:"kv"`
	Postgres postgres.Config `mapstructure:"postgres"`
	SQLite   SQLiteConfig    `mapstructure:"sqlite"`
	Redis    redis.Config    `mapstructure:"redis"`
	GCS      gcs.Config      `mapstructure:"gcs"`
	Local    local.Config    `mapstructure:"local"`
}

// DefaultSQLitePath returns the database path under the XDG data directory.
func DefaultSQLitePath() string {
	return filepath.Join(xdg.DataHome, "spiderhost", sqlite.DefaultFileName)
}

// DefaultLocalDir returns the key/value directory under the XDG data directory.
func DefaultLocalDir() string {
	return filepath.Join(xdg.DataHome, "spiderhost", "stores")
}

// Validate checks backend names and their required settings.
func (c Config) Validate() error {
	switch c.Tabular {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("storage.tabular must be one of memory, postgres, sqlite")
	}
	switch c.KV {
	case BackendMemory, BackendPostgres, BackendSQLite, BackendRedis, BackendGCS, BackendLocal:
	default:
		return fmt.Errorf("storage.kv must be one of memory, postgres, sqlite, redis, gcs, local")
	}
	uses := func(name string) bool { return c.Tabular == name || c.KV == name }
	if uses(BackendPostgres) && c.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
	}
	if uses(BackendSQLite) && c.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
	}
	if c.KV == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}
	if c.KV == BackendGCS && c.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
	}
	if c.KV == BackendLocal && c.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir is required for the local backend")
	}
	return nil
}

// Backends holds the opened storage.
type Backends struct {
	Tables tabular.Engine
	KV     kv.Backend
}

// Close releases both backends. Shared connections tolerate a second close.
func (b *Backends) Close() error {
	var errs []error
	if b.KV != nil {
		if err := b.KV.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kv backend: %w", err))
		}
	}
	if b.Tables != nil {
		if err := b.Tables.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tabular engine: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Open connects the configured backends.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	out := &Backends{}
	var pg postgres.Pool
	var lite *sqlite.DB
	fail := func(err error) (*Backends, error) {
		if closeErr := out.Close(); closeErr != nil {
			logger.Warn("close storage after open failure", zap.Error(closeErr))
		}
		if pg != nil {
			pg.Close()
		}
		if lite != nil {
			_ = lite.Close()
		}
		return nil, err
	}

	uses := func(name string) bool { return cfg.Tabular == name || cfg.KV == name }
	if uses(BackendPostgres) {
		pool, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		pg = pool
		if err := postgres.Migrate(ctx, pg); err != nil {
			return fail(err)
		}
	}
	if uses(BackendSQLite) {
		db, err := sqlite.Open(cfg.SQLite.Path, sqlite.Options{EnableWAL: cfg.SQLite.WAL})
		if err != nil {
			return fail(err)
		}
		lite = db
	}

	switch cfg.Tabular {
	case BackendPostgres:
		engine, err := postgres.NewTableEngine(pg)
		if err != nil {
			return fail(err)
		}
		out.Tables = engine
	case BackendSQLite:
		out.Tables = lite
	default:
		out.Tables = memory.NewTableEngine()
	}

	switch cfg.KV {
	case BackendPostgres:
		backend, err := postgres.NewKVBackend(pg)
		if err != nil {
			return fail(err)
		}
		out.KV = backend
	case BackendSQLite:
		out.KV = lite
	case BackendRedis:
		backend, err := redis.New(cfg.Redis)
		if err != nil {
			return fail(err)
		}
		out.KV = backend
		if err := backend.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
	case BackendGCS:
		backend, err := openGCS(ctx, cfg.GCS, logger)
		if err != nil {
			return fail(err)
		}
		out.KV = backend
	case BackendLocal:
		backend, err := local.New(cfg.Local)
		if err != nil {
			return fail(err)
		}
		out.KV = backend
	default:
		out.KV = memory.NewKVBackend()
	}

	logger.Info("storage ready",
		zap.String("tabular", cfg.Tabular),
		zap.String("kv", cfg.KV),
	)
	return out, nil
}

// openGCS uses Application Default Credentials and fails fast when the bucket
// is not reachable.
func openGCS(ctx context.Context, cfg gcs.Config, logger *zap.Logger) (*gcs.KVBackend, error) {
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", cfg.Bucket, err)
	}
	return gcs.New(client, cfg)
}
