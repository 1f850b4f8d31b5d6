package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleBackend keeps blobs as values in a local pebble database. A pebble
// directory can only be opened by one process, so this backend suits the
// standalone command and tests.
type pebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble-backed store at path. opts may be nil.
func OpenPebble(name, path string, opts *pebble.Options) (*Blobs, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store %s: %w", name, err)
	}
	return newBlobs(name, &pebbleBackend{db: db}), nil
}

func (p *pebbleBackend) write(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(key), data, pebble.Sync)
}

func (p *pebbleBackend) open(_ context.Context, key string) (io.ReadCloser, error) {
	data, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	// values are only valid until closer is closed
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (p *pebbleBackend) remove(_ context.Context, key string) error {
	_, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	closer.Close()
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *pebbleBackend) keys(_ context.Context) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return out, nil
}

func (p *pebbleBackend) close() error {
	return p.db.Close()
}

// OpenMemory returns a pebble store held entirely in memory.
func OpenMemory(name string) (*Blobs, error) {
	return OpenPebble(name, "", &pebble.Options{FS: vfs.NewMem()})
}
