package versionstore

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fly-io/stagehand/pkg/security"
)

// extractBundle unpacks a tar or gzip-compressed tar into destDir, checking
// every entry with the validator.
func extractBundle(ctx context.Context, bundlePath, destDir string, validator *security.Validator) error {
	validator.Reset()

	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := validator.ValidateEntry(header); err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return err
			}
			if err := writeFile(target, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			if err := os.Link(filepath.Join(destDir, filepath.FromSlash(header.Linkname)), target); err != nil {
				return fmt.Errorf("failed to create hard link: %w", err)
			}
		}
	}

	fi, err := os.Stat(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to stat bundle: %w", err)
	}
	if total := validator.GetCurrentTotalSize(); total > 0 {
		if err := validator.ValidateCompressionRatio(fi.Size(), total); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, src io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return out.Close()
}
