package evidence

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"commitflow/config"
	"commitflow/logger"
)

// MinioStore keeps documents in an S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	log    *logrus.Entry
}

func NewMinioStore(cfg config.Evidence) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: create minio client: %w", err)
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: cfg.URLExpiry,
		log:    logger.NewSublogger("evidence"),
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("evidence: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("evidence: create bucket: %w", err)
	}
	s.log.WithField("bucket", s.bucket).Info("Created bucket")
	return nil
}

// Put uploads the object and returns its stable, non-signed URL.
func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("evidence: upload %s: %w", key, err)
	}
	s.log.WithFields(logrus.Fields{"key": key, "size": info.Size}).Debug("Stored object")

	return strings.TrimRight(s.client.EndpointURL().String(), "/") + "/" + s.bucket + "/" + key, nil
}

// PresignedURL returns a time limited download link for key.
func (s *MinioStore) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("evidence: presign %s: %w", key, err)
	}
	return u.String(), nil
}
