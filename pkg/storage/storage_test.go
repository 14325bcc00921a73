package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/pkg/errors"
)

const noSuchKey = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func releaseServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/stable.json":
			w.Write([]byte(`{"version":"1.3.0"}`))
		case "/flaky.json":
			w.WriteHeader(http.StatusBadGateway)
		case "/huge.json":
			w.Write([]byte(strings.Repeat(" ", maxManifestSize+1)))
		case "/app-1.3.0.tar.gz":
			w.Write([]byte("bundle-bytes"))
		case "/big.tar.gz":
			w.Write([]byte(strings.Repeat("x", 4096)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &ua
}

func TestHTTPClient_FetchManifest(t *testing.T) {
	srv, ua := releaseServer(t)
	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL + "/", Version: "1.2.0"})
	ctx := context.Background()

	data, err := c.FetchManifest(ctx, "stable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.3.0"}`, string(data))
	assert.Equal(t, "stagehand/1.2.0", ua.Load())

	_, err = c.FetchManifest(ctx, "nightly")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid), "got %v", err)

	_, err = c.FetchManifest(ctx, "flaky")
	assert.True(t, errors.Is(err, errors.ErrNetwork), "got %v", err)

	_, err = c.FetchManifest(ctx, "huge")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid), "got %v", err)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: url})
	_, err := c.FetchManifest(context.Background(), "stable")
	assert.True(t, errors.Is(err, errors.ErrNetwork), "got %v", err)
}

func TestHTTPClient_Download(t *testing.T) {
	srv, _ := releaseServer(t)
	dir := t.TempDir()
	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, MaxDownloadSize: 1024})
	ctx := context.Background()

	local := filepath.Join(dir, "artifact")
	res, err := c.Download(ctx, srv.URL+"/app-1.3.0.tar.gz", local)
	require.NoError(t, err)
	assert.Equal(t, sum("bundle-bytes"), res.SHA256)
	assert.Equal(t, int64(len("bundle-bytes")), res.Size)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "bundle-bytes", string(data))

	_, err = c.Download(ctx, srv.URL+"/big.tar.gz", filepath.Join(dir, "big"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.True(t, errors.Is(err, errors.ErrVerificationFailed))

	_, err = c.Download(ctx, srv.URL+"/missing.tar.gz", filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, errors.ErrNetwork))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".partial"), e.Name())
		assert.NotEqual(t, "big", e.Name())
	}
}

func TestHTTPClient_DownloadCancelled(t *testing.T) {
	srv, _ := releaseServer(t)
	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	local := filepath.Join(t.TempDir(), "artifact")
	_, err := c.Download(ctx, srv.URL+"/app-1.3.0.tar.gz", local)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrNetwork), "cancellation is not a transport failure")

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr))
}

type recordingFetcher struct {
	name string
	urls []string
}

func (f *recordingFetcher) FetchManifest(ctx context.Context, channel string) ([]byte, error) {
	return []byte(f.name), nil
}

func (f *recordingFetcher) Download(ctx context.Context, url, localPath string) (*DownloadResult, error) {
	f.urls = append(f.urls, url)
	return &DownloadResult{LocalPath: localPath}, nil
}

func TestRouter(t *testing.T) {
	web := &recordingFetcher{name: "web"}
	bucket := &recordingFetcher{name: "bucket"}
	r := NewRouter(web).Handle("https", web).Handle("s3", bucket)
	ctx := context.Background()

	data, err := r.FetchManifest(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "web", string(data))

	_, err = r.Download(ctx, "s3://releases/app.tar.gz", "/tmp/x")
	require.NoError(t, err)
	_, err = r.Download(ctx, "https://cdn.example.com/app.tar.gz", "/tmp/x")
	require.NoError(t, err)
	_, err = r.Download(ctx, "app.tar.gz", "/tmp/x")
	require.NoError(t, err)

	assert.Equal(t, []string{"s3://releases/app.tar.gz"}, bucket.urls)
	assert.Equal(t, []string{"https://cdn.example.com/app.tar.gz", "app.tar.gz"}, web.urls)

	_, err = r.Download(ctx, "ftp://example.com/app.tar.gz", "/tmp/x")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid))
}

func TestS3Client(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases/channels/stable/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"1.3.0"}`))
		case "/releases/bundles/app-1.3.0.tar.gz", "/mirror/app.tar.gz":
			w.Write([]byte("bundle-bytes"))
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(noSuchKey))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := NewS3Client(ctx, S3Options{
		Bucket:   "releases",
		Region:   "us-east-1",
		Prefix:   "channels/",
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	data, err := c.FetchManifest(ctx, "stable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.3.0"}`, string(data))

	_, err = c.FetchManifest(ctx, "beta")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid), "got %v", err)

	dir := t.TempDir()
	res, err := c.Download(ctx, "bundles/app-1.3.0.tar.gz", filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, sum("bundle-bytes"), res.SHA256)

	res, err = c.Download(ctx, "s3://mirror/app.tar.gz", filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, sum("bundle-bytes"), res.SHA256)

	_, err = c.Download(ctx, "s3://mirror/missing.tar.gz", filepath.Join(dir, "c"))
	assert.True(t, errors.Is(err, errors.ErrNetwork), "got %v", err)
}
