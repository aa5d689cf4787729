package cardsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore implements KeyValueStore on the local filesystem, one file per
// key under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Store the cleaned absolute path for consistent path traversal checks
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &FileStore{baseDir: filepath.Clean(absDir)}, nil
}

// safePath validates and returns a safe path within the base directory.
// It prevents path traversal by ensuring the resolved path stays within baseDir.
func (f *FileStore) safePath(key string) (string, error) {
	cleanKey := filepath.Clean(key)
	resolved := filepath.Clean(filepath.Join(f.baseDir, cleanKey))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: path traversal attempt detected")
	}
	return resolved, nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never leaves a torn value.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Remove(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(f.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, _ := filepath.Rel(f.baseDir, path)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, err
}

func (f *FileStore) Close() error {
	return nil
}
