package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/progress"
)

// uploadReportInterval is how many bytes pass between progress callbacks
// while streaming an object up.
const uploadReportInterval = 256 * 1024

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store is a thin wrapper over the MinIO client scoped to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config, transport http.RoundTripper) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}

	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}

	logctx.LoggerFromContext(ctx).Info("created bucket", "bucket", s.bucket)

	return nil
}

// Upload streams the file at path into the bucket under key and returns the
// number of bytes stored. onProgress, when non-nil, receives byte samples as
// the upload advances.
func (s *Store) Upload(ctx context.Context, key, path, contentType string, onProgress func(read, total int64)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening upload source: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating upload source: %w", err)
	}

	var reader io.Reader = file
	if onProgress != nil {
		reader = progress.NewReader(file, info.Size(), uploadReportInterval, onProgress)
	}

	uploaded, err := s.client.PutObject(ctx, s.bucket, key, reader, info.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("putting object %s: %w", key, err)
	}

	return uploaded.Size, nil
}

// Remove deletes the object under key. Removing a missing object is not an
// error, which makes partial-upload cleanup idempotent.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing object %s: %w", key, err)
	}

	return nil
}

// PresignedGet returns a time-limited URL for downloading the object.
func (s *Store) PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presigning object %s: %w", key, err)
	}

	return u.String(), nil
}
