package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartboard-ingest/internal/models"
)

func TestDatasetKey(t *testing.T) {
	assert.Equal(t, "tenants/t1/datasets/d1/data.csv", DatasetKey("t1", "d1", models.FileTypeCSV))
	assert.Equal(t, "tenants/t1/datasets/d1/data.json", DatasetKey("t1", "d1", models.FileTypeJSON))
	assert.Equal(t, "tenants/t1/datasets/d1/data.json", DatasetKey("t1", "d1", models.FileType("xml")))
}

func TestSanitizeKeyStaysRelative(t *testing.T) {
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	assert.Equal(t, "a/b", sanitizeKey("/a/./b"))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	key := DatasetKey("t1", "d1", models.FileTypeCSV)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Open(ctx, key)
	assert.True(t, errors.Is(err, ErrNotFound))

	u, err := store.PresignPut(ctx, key, "text/csv", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.Contains(t, u, "expires=")

	require.NoError(t, store.Put(ctx, key, strings.NewReader("metric,value\ncpu,1\n"), "text/csv"))
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "metric,value\ncpu,1\n", string(body))
}

// fakeS3 serves just enough of the path-style S3 API for the client calls used here.
type fakeS3 struct {
	mu            sync.Mutex
	bucket        string
	bucketExists  bool
	createBuckets int
	objects       map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/"+f.bucket {
		switch r.Method {
		case http.MethodHead:
			if !f.bucketExists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			f.bucketExists = true
			f.createBuckets++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	key := strings.TrimPrefix(path, "/"+f.bucket+"/")
	body, ok := f.objects[key]
	switch r.Method {
	case http.MethodHead:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Store(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
	})
	return NewS3WithClient(client, fake.bucket, "us-east-1")
}

func TestS3PresignPutEnsuresBucketOnce(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{bucket: "smartboard-datasets", objects: map[string]string{}}
	store := newFakeS3Store(t, fake)

	key := DatasetKey("t1", "d1", models.FileTypeCSV)
	raw, err := store.PresignPut(ctx, key, "text/csv", 15*time.Minute)
	require.NoError(t, err)
	_, err = store.PresignPut(ctx, key, "text/csv", 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.createBuckets)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/smartboard-datasets/tenants/t1/datasets/d1/data.csv", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestS3OpenAndExists(t *testing.T) {
	ctx := context.Background()
	key := DatasetKey("t1", "d1", models.FileTypeCSV)
	fake := &fakeS3{
		bucket:       "smartboard-datasets",
		bucketExists: true,
		objects:      map[string]string{key: "metric,value\ncpu,1\n"},
	}
	store := newFakeS3Store(t, fake)

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "metric,value\ncpu,1\n", string(body))

	_, err = store.Open(ctx, DatasetKey("t1", "missing", models.FileTypeCSV))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, DatasetKey("t1", "missing", models.FileTypeCSV))
	require.NoError(t, err)
	assert.False(t, ok)
}
