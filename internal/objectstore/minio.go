// Package objectstore implements core.ObjectStore.
//
// MinioStore talks to MinIO or any S3-compatible service: clients upload
// straight to a presigned PUT URL and the import job streams the object back.
// MemoryStore keeps objects in process memory for local development and
// tests; the HTTP layer accepts the PUT for it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	region          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
	createBucket    bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		region: "us-east-1",
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) { c.endpoint = endpoint }
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) { c.bucket = bucket }
}

func WithRegion(region string) MinioOpts {
	return func(c *minioConfig) { c.region = region }
}

func WithCredentials(accessKey, secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) { c.useSSL = useSSL }
}

// WithCreateBucket makes NewMinioStore create the bucket when it is missing.
func WithCreateBucket() MinioOpts {
	return func(c *minioConfig) { c.createBucket = true }
}

// MinioStore is a core.ObjectStore backed by an S3-compatible bucket.
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

var _ core.ObjectStore = (*MinioStore)(nil)

// NewMinioStore connects to the endpoint and checks that the bucket exists.
func NewMinioStore(ctx context.Context, opts ...MinioOpts) (*MinioStore, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, errors.New("minio store requires an endpoint and a bucket")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.bucket, err)
	}
	if !exists {
		if !cfg.createBucket {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.bucket)
		}
		if err := client.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{Region: cfg.region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.bucket, err)
		}
	}

	return &MinioStore{cfg: cfg, client: client}, nil
}

// PresignPut returns a PUT URL the client can upload to until expiry.
func (s *MinioStore) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (core.UploadTarget, error) {
	u, err := s.client.PresignedPutObject(ctx, s.cfg.bucket, key, expiry)
	if err != nil {
		return core.UploadTarget{}, fmt.Errorf("presigned put object: %w", err)
	}
	target := core.UploadTarget{
		URL:       u.String(),
		Method:    http.MethodPut,
		ExpiresAt: time.Now().Add(expiry),
	}
	if contentType != "" {
		target.Headers = map[string]string{"Content-Type": contentType}
	}
	return target, nil
}

// Stat returns core.ErrObjectNotFound when nothing was uploaded under key.
func (s *MinioStore) Stat(ctx context.Context, key string) (core.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.cfg.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return core.ObjectInfo{}, mapError(key, err)
	}
	return core.ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}, nil
}

// Open streams the object. The returned reader fetches lazily, so a missing
// object is detected up front with a stat of the handle.
func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.cfg.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(key, err)
	}
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, mapError(key, err)
	}
	return object, nil
}

// Remove deletes an object. Removing a missing object is not an error.
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapError(key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.cfg.bucket)
	return err
}

func mapError(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", core.ErrObjectNotFound, key)
	}
	return fmt.Errorf("object %s: %w", key, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
