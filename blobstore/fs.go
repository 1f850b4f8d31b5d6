package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// fsBackend writes each blob to {dir}/{id[:2]}/{id}. Several processes on one
// host may share a directory.
type fsBackend struct {
	dir string
}

// OpenDir returns a filesystem-backed store rooted at dir.
func OpenDir(name, dir string) (*Blobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir %s: %w", dir, err)
	}
	return newBlobs(name, &fsBackend{dir: dir}), nil
}

func (b *fsBackend) path(key string) string {
	return filepath.Join(b.dir, key[:2], key)
}

func (b *fsBackend) write(_ context.Context, key string, r io.Reader, _ int64) error {
	full := b.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".partial-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write to file %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), full)
}

func (b *fsBackend) open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (b *fsBackend) remove(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (b *fsBackend) keys(_ context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}
		out = append(out, d.Name())
		return nil
	})
	return out, err
}

func (b *fsBackend) close() error { return nil }
