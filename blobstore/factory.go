package blobstore

import (
	"context"
	"fmt"

	"audiorelay/config"
)

// Open builds the store for one namespace from configuration, switching on
// the configured backend.
func Open(ctx context.Context, cfg config.Config, namespace string) (*Blobs, error) {
	b := cfg.Blob
	var (
		s   *Blobs
		err error
	)
	switch b.Backend {
	case "pebble":
		s, err = OpenPebble(namespace, cfg.GetBlobDBPath(namespace), nil)
	case "fs":
		s, err = OpenDir(namespace, cfg.GetBlobDir(namespace))
	case "s3":
		s, err = OpenS3(namespace, S3Options{
			Region:    b.S3.Region,
			Bucket:    b.S3.Bucket,
			Endpoint:  b.S3.Endpoint,
			AccessKey: b.S3.AccessKey,
			SecretKey: b.S3.SecretKey,
		})
	case "gcs":
		s, err = OpenGCS(ctx, namespace, GCSOptions{Bucket: b.GCS.Bucket, CredentialsFile: b.GCS.CredentialsFile})
	case "sftp":
		s, err = OpenSFTP(ctx, namespace, SFTPOptions{
			Host:     b.SFTP.Host,
			Port:     b.SFTP.Port,
			User:     b.SFTP.User,
			Password: b.SFTP.Password,
			BaseDir:  b.SFTP.BaseDir,
			HostKey:  b.SFTP.HostKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", b.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s blob store %s: %w", b.Backend, namespace, err)
	}
	s.tempDir = cfg.Converter.TempDir
	return s, nil
}
