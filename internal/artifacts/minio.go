package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/weftlabs/weft/pkg/schema"
)

// Config wires the object store backing artifact offload.
type Config struct {
	Endpoint  string `env:"WEFT_ARTIFACTS_ENDPOINT"`
	AccessKey string `env:"WEFT_ARTIFACTS_ACCESS_KEY"`
	SecretKey string `env:"WEFT_ARTIFACTS_SECRET_KEY"`
	Bucket    string `env:"WEFT_ARTIFACTS_BUCKET" envDefault:"weft-artifacts"`
	Region    string `env:"WEFT_ARTIFACTS_REGION"`
	UseSSL    bool   `env:"WEFT_ARTIFACTS_USE_SSL"`
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact store endpoint is required")
	}
	if c.Bucket == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact store bucket is required")
	}
	return nil
}

// MinioStore offloads state-produced blobs to an S3-compatible bucket and
// hands back weft:// URIs for the envelope. One bucket holds everything;
// objects are keyed workflow/state/name so a run's artifacts list under a
// common prefix.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the configured endpoint and ensures the bucket
// exists.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "connect artifact store: %s", err.Error()).WithCause(err)
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMinioStoreWithClient wraps an existing client; the bucket must already
// exist.
func NewMinioStoreWithClient(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "minio client is required")
	}
	if bucket == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "check bucket %q: %s", s.bucket, err.Error()).WithCause(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create bucket %q: %s", s.bucket, err.Error()).WithCause(err)
	}
	return nil
}

// Put stores one blob and returns its weft:// URI.
func (s *MinioStore) Put(ctx context.Context, workflowID, state, name, contentType string, data []byte) (string, error) {
	key := ObjectKey(workflowID, state, name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "put artifact %q: %s", key, err.Error()).WithCause(err)
	}
	return URI(s.bucket, key), nil
}

// Get fetches a stored blob by its object key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get artifact %q: %s", key, err.Error()).WithCause(err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read artifact %q: %s", key, err.Error()).WithCause(err)
	}
	return buf.Bytes(), nil
}

// PresignGet returns a time-limited download URL for an object key, for
// handing artifacts to clients without proxying the bytes.
func (s *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "presign artifact %q: %s", key, err.Error()).WithCause(err)
	}
	return u.String(), nil
}

// ObjectKey builds the bucket key for one artifact.
func ObjectKey(workflowID, state, name string) string {
	return fmt.Sprintf("%s/%s/%s", workflowID, state, name)
}

// URI builds the stable weft:// reference stored in envelopes.
func URI(bucket, key string) string {
	return fmt.Sprintf("weft://%s/%s", bucket, key)
}
