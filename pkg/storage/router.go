package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Router reads manifests from one source and dispatches artifact downloads
// by URL scheme, so a manifest served over HTTPS may point into a bucket.
type Router struct {
	manifests Fetcher
	schemes   map[string]Fetcher
	fallback  Fetcher
}

// NewRouter uses manifests for both manifests and scheme-less artifact URLs.
func NewRouter(manifests Fetcher) *Router {
	return &Router{manifests: manifests, schemes: map[string]Fetcher{}, fallback: manifests}
}

// Handle registers f for artifact URLs with the given scheme.
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[scheme] = f
	return r
}

func (r *Router) FetchManifest(ctx context.Context, channel string) ([]byte, error) {
	return r.manifests.FetchManifest(ctx, channel)
}

func (r *Router) Download(ctx context.Context, rawURL, localPath string) (*DownloadResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid artifact url %q: %v", errors.ErrManifestInvalid, rawURL, err)
	}
	if u.Scheme == "" {
		return r.fallback.Download(ctx, rawURL, localPath)
	}
	f, ok := r.schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for artifact scheme %q", errors.ErrManifestInvalid, u.Scheme)
	}
	return f.Download(ctx, rawURL, localPath)
}
