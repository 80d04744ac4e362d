package deepstorage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// fakeS3 accepts any PUT as a successful upload, mimicking just enough of
// the S3 API for the uploader to consider the object written.
func fakeS3(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"fake"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func newTestS3Client(t *testing.T, endpoint string) *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		Credentials:  aws.AnonymousCredentials{},
		UsePathStyle: true,
	})
}

func TestS3PusherUploadsEveryFileUnderKeyPrefix(t *testing.T) {
	srv := fakeS3(t)
	defer srv.Close()

	client := newTestS3Client(t, srv.URL)
	pusher := NewS3Pusher(client, "test-bucket", "segments")

	mergedDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mergedDir, "00000.smoosh"), []byte("col-data"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(mergedDir, "meta"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mergedDir, "meta", "version.bin"), []byte("v9"), 0o644))

	id := segment.Identifier{DataSource: "orders", Version: "2024-01-01T00:00:00.000Z"}
	merge := rowindex.MergeResult{NumRows: 42, Dimensions: []string{"a", "b"}}

	ds, err := pusher.Push(context.Background(), mergedDir, id, merge, false)
	require.NoError(t, err)

	assert.Equal(t, id, ds.Identifier)
	assert.Equal(t, 42, ds.NumRows)
	assert.ElementsMatch(t, []string{"a", "b"}, ds.Dimensions)
	assert.Equal(t, "s3", ds.LoadSpec["type"])
	assert.Equal(t, "test-bucket", ds.LoadSpec["bucket"])
	assert.Equal(t, "segments/"+id.String(), ds.LoadSpec["key"])
	assert.Greater(t, ds.Size, int64(0))
}

func TestS3PusherUsesUniquePathWhenRequested(t *testing.T) {
	srv := fakeS3(t)
	defer srv.Close()

	client := newTestS3Client(t, srv.URL)
	pusher := NewS3Pusher(client, "test-bucket", "segments")

	mergedDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mergedDir, "00000.smoosh"), []byte("x"), 0o644))

	id := segment.Identifier{DataSource: "orders", Version: "2024-01-01T00:00:00.000Z"}

	ds1, err := pusher.Push(context.Background(), mergedDir, id, rowindex.MergeResult{}, true)
	require.NoError(t, err)
	ds2, err := pusher.Push(context.Background(), mergedDir, id, rowindex.MergeResult{}, true)
	require.NoError(t, err)

	assert.NotEqual(t, ds1.LoadSpec["key"], ds2.LoadSpec["key"])
}
