package filestore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shotline/internal/config"
)

// ObjectStore keeps file content in an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(ctx context.Context, cfg config.S3Config) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *ObjectStore) Save(ctx context.Context, path, src string) error {
	if _, err := s.client.FPutObject(ctx, s.bucket, path, src, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *ObjectStore) Fetch(ctx context.Context, path, dst string) error {
	if err := s.client.FGetObject(ctx, s.bucket, path, dst, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return nil
}

func (s *ObjectStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var (
	_ Store = (*Local)(nil)
	_ Store = (*ObjectStore)(nil)
)
