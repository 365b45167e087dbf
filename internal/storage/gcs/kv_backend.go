// Package gcs stores spider key/value entries as objects in Google Cloud
// Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ErrObjectNotExist is returned by Bucket implementations for missing objects.
var ErrObjectNotExist = storage.ErrObjectNotExist

// Bucket is the subset of a GCS bucket the backend needs.
type Bucket interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
}

type bucketHandle struct {
	h *storage.BucketHandle
}

func (b bucketHandle) NewWriter(ctx context.Context, object string) io.WriteCloser {
	w := b.h.Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

func (b bucketHandle) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	return b.h.Object(object).NewReader(ctx)
}

// KVBackend writes entries to <prefix>/<namespace>/<name>.json.
type KVBackend struct {
	bucket Bucket
	prefix string
	client *storage.Client
}

// New creates a GCS-backed key/value backend. The client is closed with the
// backend.
func New(client *storage.Client, cfg Config) (*KVBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	b := NewWithBucket(bucketHandle{h: client.Bucket(cfg.Bucket)}, cfg.Prefix)
	b.client = client
	return b, nil
}

// NewWithBucket builds a backend over any Bucket implementation.
func NewWithBucket(bucket Bucket, prefix string) *KVBackend {
	return &KVBackend{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Object returns the object name used for (namespace, name).
func (b *KVBackend) Object(namespace, name string) string {
	return path.Join(b.prefix, namespace, name+".json")
}

// Get downloads an entry. Missing objects report absent.
func (b *KVBackend) Get(ctx context.Context, namespace, name string) ([]byte, bool, error) {
	r, err := b.bucket.NewReader(ctx, b.Object(namespace, name))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}
	return data, true, nil
}

// Put uploads an entry, replacing any previous object.
func (b *KVBackend) Put(ctx context.Context, namespace, name string, value []byte) error {
	w := b.bucket.NewWriter(ctx, b.Object(namespace, name))
	if _, err := w.Write(value); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the storage client when the backend owns one.
func (b *KVBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
