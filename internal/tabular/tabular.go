// Package tabular implements the spider-facing table facility on top of a
// storage Engine. It infers and caches schemas, enforces conformance and
// translates engine failures into the spider error vocabulary.
package tabular

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Engine is a storage backend for append-only tables. Implementations persist
// the schema alongside the rows and keep rows in insertion order.
type Engine interface {
	// Schema returns the stored schema for table.
	Schema(ctx context.Context, table string) (spider.Schema, bool, error)
	// CreateTable registers schema and appends first as its first row. It
	// returns false without writing anything when the table already exists.
	CreateTable(ctx context.Context, schema spider.Schema, first spider.Row) (bool, error)
	// Append adds one conforming row.
	Append(ctx context.Context, schema spider.Schema, row spider.Row) error
	// Top returns up to n rows ordered by column, ties in insertion order.
	Top(ctx context.Context, schema spider.Schema, column string, n int, order spider.Order) ([]spider.Row, error)
	// Rows returns every row in insertion order.
	Rows(ctx context.Context, schema spider.Schema) ([]spider.Row, error)
	// Tables lists the registered table names.
	Tables(ctx context.Context) ([]string, error)
	Close() error
}

// Store implements spider.TabularStore. Schemas are immutable once created,
// so they are cached after the first lookup.
type Store struct {
	engine Engine
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string]spider.Schema
	// creating serializes NewTable calls.
	creating sync.Mutex
}

// New wraps engine.
func New(engine Engine, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		engine:  engine,
		logger:  logger.Named("tabular"),
		schemas: make(map[string]spider.Schema),
	}
}

// Engine returns the wrapped engine.
func (s *Store) Engine() Engine {
	return s.engine
}

// NewTable creates table with the schema inferred from ref and stores ref as
// its first row. Re-creating an existing table with a compatible schema
// succeeds without writing; an incompatible schema fails.
func (s *Store) NewTable(ctx context.Context, table string, ref spider.Record) bool {
	ok, err := s.newTable(ctx, table, ref)
	metrics.ObserveTableOp("new_table", err)
	if err != nil {
		s.logger.Warn("new table failed", zap.String("table", table), zap.Error(err))
		return false
	}
	return ok
}

func (s *Store) newTable(ctx context.Context, table string, ref spider.Record) (bool, error) {
	schema, err := spider.InferSchema(table, ref)
	if err != nil {
		return false, err
	}
	row, err := schema.Conform(ref)
	if err != nil {
		return false, err
	}

	s.creating.Lock()
	defer s.creating.Unlock()

	existing, found, err := s.lookup(ctx, table)
	if err != nil {
		return false, err
	}
	if !found {
		created, err := s.engine.CreateTable(ctx, schema, row)
		if err != nil {
			return false, fmt.Errorf("%w: create table %q: %w", spider.ErrStorage, table, err)
		}
		if created {
			s.remember(schema)
			return true, nil
		}
		// Another process created it first.
		existing, found, err = s.lookup(ctx, table)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: table %q vanished after create", spider.ErrStorage, table)
		}
	}
	if !existing.Compatible(schema) {
		return false, fmt.Errorf("%w: table %q already exists with columns %v",
			spider.ErrSchemaMismatch, table, existing.Columns)
	}
	return true, nil
}

// ReadLastData returns up to n rows of table sorted by field.
func (s *Store) ReadLastData(ctx context.Context, table, field string, n int, order spider.Order) ([]spider.Row, error) {
	rows, err := s.readLastData(ctx, table, field, n, order)
	metrics.ObserveTableOp("read_last_data", err)
	return rows, err
}

func (s *Store) readLastData(ctx context.Context, table, field string, n int, order spider.Order) ([]spider.Row, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: row count must be positive, got %d", spider.ErrInvalidArgument, n)
	}
	if order == "" {
		order = spider.OrderDesc
	}
	if !order.Valid() {
		return nil, fmt.Errorf("%w: unknown sort order %q", spider.ErrInvalidArgument, order)
	}
	schema, err := s.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	if _, ok := schema.Index(field); !ok {
		return nil, fmt.Errorf("%w: %q in table %q", spider.ErrNoSuchColumn, field, table)
	}
	rows, err := s.engine.Top(ctx, schema, field, n, order)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %w", spider.ErrStorage, table, err)
	}
	return rows, nil
}

// WriteData appends data to table. A nonconforming record is rejected and
// nothing is written.
func (s *Store) WriteData(ctx context.Context, table string, data spider.Record) error {
	err := s.writeData(ctx, table, data)
	metrics.ObserveTableOp("write_data", err)
	return err
}

func (s *Store) writeData(ctx context.Context, table string, data spider.Record) error {
	schema, err := s.Schema(ctx, table)
	if err != nil {
		return err
	}
	row, err := schema.Conform(data)
	if err != nil {
		return err
	}
	if err := s.engine.Append(ctx, schema, row); err != nil {
		return fmt.Errorf("%w: append to %q: %w", spider.ErrStorage, table, err)
	}
	return nil
}

// Schema returns the schema of an existing table.
func (s *Store) Schema(ctx context.Context, table string) (spider.Schema, error) {
	if err := spider.ValidateIdentifier("table", table); err != nil {
		return spider.Schema{}, err
	}
	schema, found, err := s.lookup(ctx, table)
	if err != nil {
		return spider.Schema{}, err
	}
	if !found {
		return spider.Schema{}, fmt.Errorf("%w: %q", spider.ErrNoSuchTable, table)
	}
	return schema, nil
}

// Rows returns every row of table in insertion order, along with its schema.
func (s *Store) Rows(ctx context.Context, table string) (spider.Schema, []spider.Row, error) {
	schema, err := s.Schema(ctx, table)
	if err != nil {
		return spider.Schema{}, nil, err
	}
	rows, err := s.engine.Rows(ctx, schema)
	if err != nil {
		return spider.Schema{}, nil, fmt.Errorf("%w: scan %q: %w", spider.ErrStorage, table, err)
	}
	return schema, rows, nil
}

// Tables lists every table known to the engine.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	names, err := s.engine.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %w", spider.ErrStorage, err)
	}
	return names, nil
}

func (s *Store) lookup(ctx context.Context, table string) (spider.Schema, bool, error) {
	s.mu.RLock()
	schema, ok := s.schemas[table]
	s.mu.RUnlock()
	if ok {
		return schema, true, nil
	}
	schema, found, err := s.engine.Schema(ctx, table)
	if err != nil {
		return spider.Schema{}, false, fmt.Errorf("%w: load schema %q: %w", spider.ErrStorage, table, err)
	}
	if !found {
		return spider.Schema{}, false, nil
	}
	if err := schema.Validate(); err != nil {
		return spider.Schema{}, false, fmt.Errorf("%w: stored schema %q: %w", spider.ErrStorage, table, err)
	}
	s.remember(schema)
	return schema, true, nil
}

func (s *Store) remember(schema spider.Schema) {
	s.mu.Lock()
	s.schemas[schema.Table] = schema
	s.mu.Unlock()
}

// IsNotFound reports whether err means the table or column does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, spider.ErrNoSuchTable) || errors.Is(err, spider.ErrNoSuchColumn)
}
