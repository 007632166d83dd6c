package catalog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string]string
	err     error
	calls   int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	src := NewFileSource(path)
	assert.Equal(t, "file://"+path, src.String())

	data, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testCatalog, string(data))

	require.NoError(t, os.Remove(path))
	_, err = src.Fetch(context.Background())
	assert.Error(t, err)
}

func TestS3Source(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string]string{"rbac/catalog.yaml": testCatalog}}

	src := NewS3SourceWithClient(client, "rbac", "catalog.yaml")
	assert.Equal(t, "s3://rbac/catalog.yaml", src.String())

	data, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, testCatalog, string(data))

	missing := NewS3SourceWithClient(client, "rbac", "other.yaml")
	_, err = missing.Fetch(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://rbac/other.yaml")

	client.err = errors.New("access denied")
	_, err = src.Fetch(ctx)
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Source(t *testing.T) {
	t.Run("requires bucket and key", func(t *testing.T) {
		_, err := NewS3Source(context.Background(), S3Config{Bucket: "rbac"})
		assert.Error(t, err)
	})

	t.Run("static credentials", func(t *testing.T) {
		src, err := NewS3Source(context.Background(), S3Config{
			Bucket:       "rbac",
			Key:          "catalog.yaml",
			Region:       "us-east-1",
			Endpoint:     "http://localhost:9000",
			AccessKey:    "minio",
			SecretKey:    "minio123",
			UsePathStyle: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "s3://rbac/catalog.yaml", src.String())
		assert.IsType(t, &s3.Client{}, src.client)
	})
}

func TestOpenSource(t *testing.T) {
	ctx := context.Background()

	src, err := OpenSource(ctx, "/etc/taskforge/catalog.yaml", S3Config{})
	require.NoError(t, err)
	assert.Equal(t, "file:///etc/taskforge/catalog.yaml", src.String())

	src, err = OpenSource(ctx, "", S3Config{Bucket: "rbac", Key: "catalog.yaml", Region: "us-east-1", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "s3://rbac/catalog.yaml", src.String())

	_, err = OpenSource(ctx, "", S3Config{})
	assert.ErrorIs(t, err, ErrNoSource)
}
