// Package storage fetches release manifests and artifacts. Every transport
// failure is marked errors.ErrNetwork so callers can decide to retry; a
// manifest that does not exist is marked errors.ErrManifestInvalid.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Fetcher is the contract the updater depends on.
type Fetcher interface {
	FetchManifest(ctx context.Context, channel string) ([]byte, error)
	Download(ctx context.Context, url, localPath string) (*DownloadResult, error)
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// ErrTooLarge is returned when a body exceeds the configured limit.
var ErrTooLarge = errors.New("object exceeds size limit")

// writeFile streams body into localPath while hashing it. Data lands in
// <localPath>.partial first and is renamed only once fully written, so an
// interrupted download never leaves a file under the final name.
func writeFile(ctx context.Context, body io.Reader, localPath string, limit int64) (*DownloadResult, error) {
	partial := localPath + ".partial"

	f, err := os.Create(partial)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", partial, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}

	done := false
	defer func() {
		if !done {
			f.Close()
			os.Remove(partial)
		}
	}()

	src := body
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "download cancelled")
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to download file"), errors.ErrNetwork)
	}
	if limit > 0 && size > limit {
		return nil, errors.Mark(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit), errors.ErrVerificationFailed)
	}

	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync local file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close local file")
	}
	if err := os.Rename(partial, localPath); err != nil {
		os.Remove(partial)
		done = true
		return nil, errors.Wrap(err, "failed to finalize download")
	}
	done = true

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("download_complete",
		"size_bytes", size,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}

// readManifest reads at most limit bytes of a manifest body.
func readManifest(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read manifest body"), errors.ErrNetwork)
	}
	if int64(len(data)) > limit {
		return nil, errors.Mark(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit), errors.ErrManifestInvalid)
	}
	return data, nil
}
