// Package local stores spider key/value entries as files on the local
// filesystem, one JSON document per entry.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the filesystem backend.
type Config struct {
	// BaseDir is the root directory where entries are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// KVBackend writes entries to BaseDir/<namespace>/<name>.json.
type KVBackend struct {
	baseDir string
}

// New creates the backend, creating BaseDir when needed.
func New(cfg Config) (*KVBackend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &KVBackend{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Get reads an entry. A missing file reports absent.
func (b *KVBackend) Get(_ context.Context, namespace, name string) ([]byte, bool, error) {
	path, err := b.path(namespace, name)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to baseDir.
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry: %w", err)
	}
	return data, true, nil
}

// Put writes the entry through a temp file and rename so readers never see a
// partial value.
func (b *KVBackend) Put(_ context.Context, namespace, name string, value []byte) error {
	path, err := b.path(namespace, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace entry: %w", err)
	}
	return nil
}

// Close is a no-op.
func (b *KVBackend) Close() error {
	return nil
}

func (b *KVBackend) path(namespace, name string) (string, error) {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("namespace and name are required")
	}
	full := filepath.Clean(filepath.Join(b.baseDir, namespace, name+".json"))
	if !strings.HasPrefix(full, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}
