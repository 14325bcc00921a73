package storage

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fly-io/stagehand/pkg/errors"
)

const maxManifestSize = 1 << 20

// S3Options configures the S3 release source.
type S3Options struct {
	Bucket string
	Region string
	// Prefix is prepended to every manifest key, e.g. "releases/".
	Prefix string
	// Endpoint overrides the S3 endpoint (S3-compatible stores, tests).
	Endpoint        string
	MaxDownloadSize int64
}

// S3Client serves manifests and artifacts from a public bucket.
type S3Client struct {
	s3Client *s3.Client
	opts     S3Options
}

// NewS3Client creates a new S3 client for anonymous access
func NewS3Client(ctx context.Context, opts S3Options) (*S3Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{s3Client: s3Client, opts: opts}, nil
}

// ManifestKey is the object key of a channel's manifest.
func (c *S3Client) ManifestKey(channel string) string {
	return c.opts.Prefix + channel + "/manifest.json"
}

// FetchManifest reads the channel manifest.
func (c *S3Client) FetchManifest(ctx context.Context, channel string) ([]byte, error) {
	key := c.ManifestKey(channel)
	slog.Debug("s3_manifest_fetch", "bucket", c.opts.Bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.classify(err, key, errors.ErrManifestInvalid)
	}
	defer result.Body.Close()

	return readManifest(result.Body, maxManifestSize)
}

// Download accepts s3://bucket/key URLs or bare keys in the configured bucket.
func (c *S3Client) Download(ctx context.Context, url, localPath string) (*DownloadResult, error) {
	bucket, key := c.parse(url)
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.classify(err, key, errors.ErrNetwork)
	}
	defer result.Body.Close()

	return writeFile(ctx, result.Body, localPath, c.opts.MaxDownloadSize)
}

func (c *S3Client) parse(url string) (bucket, key string) {
	if rest, ok := strings.CutPrefix(url, "s3://"); ok {
		if b, k, found := strings.Cut(rest, "/"); found {
			return b, k
		}
	}
	return c.opts.Bucket, strings.TrimPrefix(url, "/")
}

// classify maps a missing object to notFound and anything else to a
// network error.
func (c *S3Client) classify(err error, key string, notFound error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, "s3 request cancelled")
	}
	if code := statusCode(err); code == http.StatusNotFound || code == http.StatusForbidden {
		slog.Warn("s3_object_not_found", "s3_key", key, "status", code)
		return errors.Mark(errors.Wrap(err, "object "+key+" not found"), notFound)
	}
	slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
	return errors.Mark(errors.Wrap(err, "failed to get object from S3"), errors.ErrNetwork)
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
