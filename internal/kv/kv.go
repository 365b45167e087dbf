// Package kv implements the per-spider key/value facility on top of a shared
// storage Backend. Each spider sees only its own namespace.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// Backend stores opaque values under (namespace, name).
type Backend interface {
	// Get returns the stored bytes. A missing entry is (nil, false, nil).
	Get(ctx context.Context, namespace, name string) ([]byte, bool, error)
	// Put creates or replaces an entry.
	Put(ctx context.Context, namespace, name string, value []byte) error
	Close() error
}

// Flusher is implemented by backends that buffer writes.
type Flusher interface {
	Flush(ctx context.Context, namespace string) error
}

var errNamespaceClosed = errors.New("namespace closed")

// Namespace implements spider.KVStore for one spider.
type Namespace struct {
	backend Backend
	ns      spider.ID
	logger  *zap.Logger
	closed  atomic.Bool
}

// NewNamespace binds backend to the spider id.
func NewNamespace(backend Backend, id spider.ID, logger *zap.Logger) *Namespace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Namespace{
		backend: backend,
		ns:      id,
		logger:  logger.Named("kv"),
	}
}

// ReadStore returns the value stored under name. Missing entries and backend
// failures both report absent; failures are logged.
func (n *Namespace) ReadStore(ctx context.Context, name string) (spider.Value, bool) {
	v, ok, err := n.read(ctx, name)
	metrics.ObserveStoreOp("read", err)
	if err != nil {
		n.logger.Warn("read store failed", zap.String("name", name), zap.Error(err))
		return nil, false
	}
	return v, ok
}

func (n *Namespace) read(ctx context.Context, name string) (spider.Value, bool, error) {
	if err := validateName(name); err != nil {
		return nil, false, err
	}
	if n.closed.Load() {
		return nil, false, errNamespaceClosed
	}
	data, ok, err := n.backend.Get(ctx, string(n.ns), name)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q: %w", spider.ErrStorage, name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return spider.Value(data), true, nil
}

// WriteStore serializes value as JSON and stores it under name, replacing
// any previous value. It reports false when encoding or storage fails.
func (n *Namespace) WriteStore(ctx context.Context, name string, value any) bool {
	err := n.write(ctx, name, value)
	metrics.ObserveStoreOp("write", err)
	if err != nil {
		n.logger.Warn("write store failed", zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

func (n *Namespace) write(ctx context.Context, name string, value any) error {
	if err := validateName(name); err != nil {
		return err
	}
	if n.closed.Load() {
		return errNamespaceClosed
	}
	encoded, err := spider.EncodeValue(value)
	if err != nil {
		return err
	}
	if err := n.backend.Put(ctx, string(n.ns), name, encoded); err != nil {
		return fmt.Errorf("%w: put %q: %w", spider.ErrStorage, name, err)
	}
	return nil
}

// Close flushes buffered writes and refuses further access. The shared
// backend stays open.
func (n *Namespace) Close(ctx context.Context) error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f, ok := n.backend.(Flusher); ok {
		if err := f.Flush(ctx, string(n.ns)); err != nil {
			return fmt.Errorf("flush namespace %s: %w", n.ns, err)
		}
	}
	return nil
}

const maxNameLength = 255

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: store name is required", spider.ErrInvalidArgument)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: store name exceeds %d bytes", spider.ErrInvalidArgument, maxNameLength)
	}
	return nil
}
