// Package local writes report artifacts under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts beneath BaseDir. Paths cannot escape it.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New creates the base directory if needed and opens it as a root.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	return &BlobStore{baseDir: abs, root: root}, nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject writes data to BaseDir/key and returns a file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}
	key = strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if key == "" || key == "." {
		return "", errors.New("path is required")
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}
	if err := s.root.WriteFile(key, data, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
