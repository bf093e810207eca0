package minio

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"time"

	"tunegate/pkg/config"

	"github.com/minio/minio-go/v7"
)

// Storage is the object store boundary used for input staging and result
// retrieval. References are object keys within the configured bucket.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type objectStorage struct {
	client *minio.Client
	bucket string
}

func NewStorage(client *minio.Client, cfg *config.Config) Storage {
	return &objectStorage{client: client, bucket: cfg.Minio.BucketName}
}

func (s *objectStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *objectStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *objectStorage) PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
