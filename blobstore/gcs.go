package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions locates a bucket. An empty CredentialsFile uses application
// default credentials.
type GCSOptions struct {
	Bucket          string
	CredentialsFile string
}

type gcsBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func OpenGCS(ctx context.Context, name string, opts GCSOptions) (*Blobs, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		credentialsJSON, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read gcs credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return newBlobs(name, &gcsBackend{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: name,
	}), nil
}

func (b *gcsBackend) object(id string) *storage.ObjectHandle {
	return b.bucket.Object(path.Join(b.prefix, id))
}

func (b *gcsBackend) write(ctx context.Context, id string, r io.Reader, _ int64) error {
	// DoesNotExist makes a second write of the same id fail instead of overwriting.
	wc := b.object(id).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	return nil
}

func (b *gcsBackend) open(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := b.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	return rc, err
}

func (b *gcsBackend) remove(ctx context.Context, id string) error {
	err := b.object(id).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (b *gcsBackend) keys(ctx context.Context) ([]string, error) {
	prefix := b.prefix + "/"
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, strings.TrimPrefix(attrs.Name, prefix))
	}
}

func (b *gcsBackend) close() error {
	return b.client.Close()
}
