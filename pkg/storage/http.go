package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fly-io/stagehand/pkg/errors"
)

const userAgent = "stagehand/%s"

// HTTPOptions configures the HTTP release source.
type HTTPOptions struct {
	// BaseURL hosts one manifest per channel at <BaseURL>/<channel>.json.
	BaseURL         string
	Version         string
	MaxDownloadSize int64
	Timeout         time.Duration
}

// HTTPClient serves manifests and artifacts over HTTP(S).
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &HTTPClient{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// ManifestURL is the location of a channel's manifest.
func (c *HTTPClient) ManifestURL(channel string) string {
	return strings.TrimSuffix(c.opts.BaseURL, "/") + "/" + channel + ".json"
}

func (c *HTTPClient) FetchManifest(ctx context.Context, channel string) ([]byte, error) {
	url := c.ManifestURL(channel)
	slog.Debug("http_manifest_fetch", "url", url)

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("response_body_close_failed", "error", cerr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: no manifest for channel %s", errors.ErrManifestInvalid, channel)
	default:
		return nil, fmt.Errorf("%w: unexpected HTTP status %d", errors.ErrNetwork, resp.StatusCode)
	}

	return readManifest(resp.Body, maxManifestSize)
}

func (c *HTTPClient) Download(ctx context.Context, url, localPath string) (*DownloadResult, error) {
	slog.Info("http_download_start", "url", url)

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("response_body_close_failed", "error", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected HTTP status %d", errors.ErrNetwork, resp.StatusCode)
	}
	if limit := c.opts.MaxDownloadSize; limit > 0 && resp.ContentLength > limit {
		return nil, errors.Mark(fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength), errors.ErrVerificationFailed)
	}

	return writeFile(ctx, resp.Body, localPath, c.opts.MaxDownloadSize)
}

func (c *HTTPClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, c.opts.Version))

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "request cancelled")
		}
		slog.Warn("http_request_failed", "url", url, "error", err)
		return nil, errors.Mark(errors.Wrap(err, "failed to perform HTTP request"), errors.ErrNetwork)
	}
	return resp, nil
}
