package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client is an in-memory bucket
type mockS3Client struct {
	mu           sync.Mutex
	objects      map[string][]byte
	metadata     map[string]map[string]string
	bucketExists bool
	pageSize     int
	putErr       error
	headErr      error
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		pageSize: 1000,
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	m.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := start + m.pageSize
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	if !m.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func TestS3Store_PutGet(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	store := NewS3StoreWithClient(client, "archives", "plugd")

	require.NoError(t, store.Put(ctx, "plugins/demo/a.zip", strings.NewReader("payload"), "application/zip"))

	assert.Contains(t, client.objects, "plugd/plugins/demo/a.zip")
	assert.Equal(t, "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5",
		client.metadata["plugd/plugins/demo/a.zip"]["checksum-sha256"])

	rc, err := store.Get(ctx, "plugins/demo/a.zip")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = store.Get(ctx, "plugins/demo/missing.zip")
	assert.True(t, errors.Is(err, ErrNotFound))

	client.putErr = errors.New("throttled")
	assert.Error(t, store.Put(ctx, "plugins/demo/b.zip", strings.NewReader("x"), "application/zip"))
}

func TestS3Store_ListPagesAndPrune(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	client.pageSize = 2
	store := NewS3StoreWithClient(client, "archives", "")

	for _, k := range []string{"plugins/demo/1.zip", "plugins/demo/2.zip", "plugins/demo/3.zip", "plugins/other/1.zip"} {
		require.NoError(t, store.Put(ctx, k, strings.NewReader(k), "application/zip"))
	}

	keys, err := store.List(ctx, PluginPrefix("demo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"plugins/demo/1.zip", "plugins/demo/2.zip", "plugins/demo/3.zip"}, keys)

	removed, err := Prune(ctx, store, "demo", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err = store.List(ctx, PluginPrefix("demo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"plugins/demo/2.zip", "plugins/demo/3.zip"}, keys)
}

func TestS3Store_EnsureBucketAndHealth(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	store := NewS3StoreWithClient(client, "archives", "")

	assert.Error(t, store.HealthCheck(ctx))
	require.NoError(t, store.ensureBucket(ctx))
	assert.True(t, client.bucketExists)
	assert.NoError(t, store.HealthCheck(ctx))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(errors.New("NoSuchKey in message only")))
	assert.False(t, isNotFound(nil))
}
