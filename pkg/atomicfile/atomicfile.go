// Package atomicfile replaces files so that readers observe either the old or
// the new content, never a partial write.
package atomicfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fly-io/stagehand/pkg/errors"
)

// WriteFile writes data to a temp file in the target's directory, syncs it
// and renames it over path. The temp file is removed on any failure.
func WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "write cancelled")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create parent dir")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return errors.Wrap(err, "failed to set permissions")
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "write cancelled")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "failed to rename temp file")
	}
	committed = true

	syncDir(dir)
	return nil
}

// WriteJSON marshals obj with indentation and writes it atomically.
func WriteJSON(ctx context.Context, path string, obj any, perm os.FileMode) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal json")
	}
	return WriteFile(ctx, path, append(data, '\n'), perm)
}

// syncDir flushes the directory entry for a rename. Not every platform
// supports fsync on directories, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
