// Package blobstore stores immutable binary objects under content-derived ids.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"audiorelay/logger"
	"audiorelay/utils"
)

var (
	// ErrNotFound is returned by Get and Delete for unknown ids.
	ErrNotFound = errors.New("blob not found")
	// ErrCorrupt is returned while reading a blob whose bytes no longer match its id.
	ErrCorrupt = errors.New("blob content does not match its id")
)

// Store is the capability the pipeline depends on.
type Store interface {
	Put(ctx context.Context, r io.Reader) (string, error)
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// backend is implemented once per storage system. Keys passed in are always
// valid blob ids.
type backend interface {
	write(ctx context.Context, key string, r io.Reader, size int64) error
	open(ctx context.Context, key string) (io.ReadCloser, error)
	remove(ctx context.Context, key string) error
	keys(ctx context.Context) ([]string, error)
	close() error
}

// Blobs adapts a backend to Store.
type Blobs struct {
	name    string
	backend backend
	tempDir string
}

func newBlobs(name string, b backend) *Blobs {
	return &Blobs{name: name, backend: b}
}

// Name is the namespace this store writes to.
func (s *Blobs) Name() string { return s.name }

// Put streams r into the backend and returns the new blob id.
func (s *Blobs) Put(ctx context.Context, r io.Reader) (string, error) {
	f, digest, size, err := stage(s.tempDir, r)
	if err != nil {
		return "", fmt.Errorf("stage blob for %s: %w", s.name, err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	id, err := utils.NewBlobID(digest)
	if err != nil {
		return "", err
	}
	if err := s.backend.write(ctx, id, f, size); err != nil {
		return "", fmt.Errorf("put blob in %s: %w", s.name, err)
	}
	logger.Debugf("blob stored: store=%s, id=%s, bytes=%d", s.name, id, size)
	return id, nil
}

// Get opens a blob. Reading the returned stream to EOF verifies its digest.
func (s *Blobs) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if !utils.ValidBlobID(id) {
		return nil, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	rc, err := s.backend.open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get blob %s from %s: %w", id, s.name, err)
	}
	return &verifyingReader{rc: rc, h: sha256.New(), want: utils.BlobDigest(id)}, nil
}

// Delete removes a blob. Deleting an unknown id returns ErrNotFound.
func (s *Blobs) Delete(ctx context.Context, id string) error {
	if !utils.ValidBlobID(id) {
		return fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	if err := s.backend.remove(ctx, id); err != nil {
		return fmt.Errorf("delete blob %s from %s: %w", id, s.name, err)
	}
	logger.Debugf("blob deleted: store=%s, id=%s", s.name, id)
	return nil
}

// List returns every blob id in the store.
func (s *Blobs) List(ctx context.Context) ([]string, error) {
	ids, err := s.backend.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs in %s: %w", s.name, err)
	}
	return ids, nil
}

func (s *Blobs) Close() error {
	return s.backend.close()
}

// stage copies r to a temporary file while hashing it, and rewinds the file.
func stage(dir string, r io.Reader) (*os.File, []byte, int64, error) {
	f, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return nil, nil, 0, err
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, 0, err
	}
	return f, h.Sum(nil), size, nil
}

type verifyingReader struct {
	rc   io.ReadCloser
	h    hash.Hash
	want string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF && hex.EncodeToString(v.h.Sum(nil)) != v.want {
		return n, ErrCorrupt
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
