package kvstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/pkg/errors"
)

// fakeS3 is an in-memory s3API with single-key pages to exercise pagination
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) == 0 {
		return out, nil
	}
	out.Contents = []s3types.Object{{Key: aws.String(keys[0])}}
	if len(keys) > 1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[0])
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	runStoreSuite(t, newS3Store(newFakeS3(), "bucket"))
}

func TestS3Store_BackendFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.failAll = stderrors.New("connection reset")
	store := newS3Store(fake, "bucket")

	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.True(t, errors.IsPersistence(err))

	assert.True(t, errors.IsPersistence(store.Put(ctx, "k", []byte("v"))))

	_, err = store.List(ctx, "")
	assert.True(t, errors.IsPersistence(err))
}

func TestS3Store_MissingBucketNotRetryable(t *testing.T) {
	fake := newFakeS3()
	fake.failAll = &s3types.NoSuchBucket{Message: aws.String("gone")}
	store := newS3Store(fake, "bucket")

	err := store.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.S3Config{Region: "us-east-1"})
	require.Error(t, err)
	code, _ := errors.CodeOf(err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, code)
}

func TestNewS3Store_StaticCredentials(t *testing.T) {
	store, err := NewS3Store(context.Background(), config.S3Config{
		Bucket:          "resload",
		Region:          "us-west-2",
		Endpoint:        "http://127.0.0.1:9000",
		ForcePathStyle:  true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "resload", store.bucket)
}
