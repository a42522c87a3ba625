package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const userMetadataPrefix = "x-amz-meta-"

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStorage is an ObjectStore backed by any S3-compatible service. S3
// object writes are atomic per key, so Put never exposes a partial object.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

// NewMinioStorage connects to the configured endpoint. Call EnsureBucket
// before serving traffic.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return NewMinioStorageWithClient(client, cfg.Bucket), nil
}

func NewMinioStorageWithClient(client *minio.Client, bucket string) *MinioStorage {
	return &MinioStorage{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it does not already exist.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
		}
	}
	return nil
}

// translateError maps S3 "not found" responses onto ErrNotFound.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == minio.NoSuchKey || (resp.StatusCode == http.StatusNotFound && resp.Code != minio.NoSuchBucket) {
		return ErrNotFound
	}

	return err
}

// userMetadata extracts x-amz-meta-* values from the response headers. Keys
// are lower-cased so both backends return the same map.
func userMetadata(info minio.ObjectInfo) map[string]string {
	out := map[string]string{}
	for name, values := range info.Metadata {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, userMetadataPrefix) || len(values) == 0 {
			continue
		}
		out[strings.TrimPrefix(lower, userMetadataPrefix)] = values[0]
	}

	for name, value := range info.UserMetadata {
		key := strings.ToLower(name)
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}

	return out
}

func toObjectInfo(key string, info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		ContentType:  info.ContentType,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified.UTC(),
		Metadata:     userMetadata(info),
	}
}

func (s *MinioStorage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateError(err)
	}
	return toObjectInfo(key, info), nil
}

func (s *MinioStorage) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}

	// GetObject is lazy; Stat forces the request and surfaces NoSuchKey.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, translateError(err)
	}

	return &Object{Info: toObjectInfo(key, info), Body: obj}, nil
}

func (s *MinioStorage) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	metadata := CloneMetadata(opts.Metadata)
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ObjectInfo{}, fmt.Errorf("put %q: %w: %v", key, ErrIncompleteBody, err)
		}
		return ObjectInfo{}, fmt.Errorf("put %q: %w", key, err)
	}

	return ObjectInfo{
		Key:          key,
		ContentType:  contentType,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified.UTC(),
		Metadata:     metadata,
	}, nil
}

// Delete removes key. S3 deletes are idempotent, so existence is checked
// first to report ErrNotFound like the local backend does.
func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.Head(ctx, key); err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %q: %w", key, translateError(err))
	}
	return nil
}

func (s *MinioStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects with prefix %q: %w", prefix, obj.Err)
		}
		results = append(results, toObjectInfo(obj.Key, obj))
	}
	return results, nil
}
