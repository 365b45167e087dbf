package memory

import (
	"bytes"
	"context"
	"sync"
)

// KVBackend implements kv.Backend with a map per namespace.
type KVBackend struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
	closed bool
}

// NewKVBackend constructs an empty KVBackend.
func NewKVBackend() *KVBackend {
	return &KVBackend{values: make(map[string]map[string][]byte)}
}

// Get returns a copy of the stored value.
func (b *KVBackend) Get(_ context.Context, namespace, name string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, errClosed
	}
	v, ok := b.values[namespace][name]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Put stores a copy of value, replacing any previous entry.
func (b *KVBackend) Put(_ context.Context, namespace, name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	ns, ok := b.values[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.values[namespace] = ns
	}
	ns[name] = bytes.Clone(value)
	return nil
}

// Close marks the backend closed.
func (b *KVBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
