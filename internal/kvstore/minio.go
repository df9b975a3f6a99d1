package kvstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/pkg/errors"
)

// MinioStore keeps records as objects in a MinIO bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists
func NewMinioStore(ctx context.Context, cfg config.MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.InvalidConfig("minio endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "failed to create minio client").WithCause(err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Persistence(component, "init", cfg.Bucket, translateMinio(err, cfg.Bucket))
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Persistence(component, "init", cfg.Bucket, err)
		}
		log.Infow("created minio bucket", "bucket", cfg.Bucket)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinio(err, key)
	}
	defer obj.Close()

	// errors from GetObject surface on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinio(err, key)
	}
	return data, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return translateMinio(err, key)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return translateMinio(err, key)
	}
	return nil
}

func (m *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, translateMinio(object.Err, prefix)
		}
		keys = append(keys, object.Key)
	}
	return sortedKeys(keys), nil
}

func (m *MinioStore) Close() error {
	return nil
}

// translateMinio converts MinIO error responses to engine errors
func translateMinio(err error, key string) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return notFound(key)
	case "NoSuchBucket", "AccessDenied":
		return errors.Persistence(component, "minio", key, err).WithRetryable(false)
	}
	return errors.Persistence(component, "minio", key, err)
}
