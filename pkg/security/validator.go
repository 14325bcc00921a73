// Package security validates release bundles before they are extracted into
// a version directory. A bundle must be self-contained: no entry may land or
// point outside the directory it is extracted into.
package security

import (
	"archive/tar"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrUnsafeBundle is wrapped by every rejection.
var ErrUnsafeBundle = errors.New("unsafe bundle")

// Limits bounds what a single bundle may expand to.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
	MaxEntries          int
}

// Validator checks bundle entries and tracks the running extraction size.
type Validator struct {
	limits Limits

	mu               sync.Mutex
	currentTotalSize int64
	entries          int
}

// NewValidator creates a new bundle validator
func NewValidator(limits Limits) *Validator {
	slog.Debug("bundle_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio,
		"max_entries", limits.MaxEntries)

	return &Validator{limits: limits}
}

var versionIDPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]{0,127}$`)

// ValidateVersionID checks that id can safely name a version directory.
func (v *Validator) ValidateVersionID(id string) error {
	if !versionIDPattern.MatchString(id) || strings.Contains(id, "..") {
		slog.Error("security_version_id_rejected", "version", id)
		return fmt.Errorf("%w: invalid version id %q", ErrUnsafeBundle, id)
	}
	return nil
}

// ValidatePath rejects entry names that would be written outside the
// extraction root.
func (v *Validator) ValidatePath(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrUnsafeBundle)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("%w: absolute path not allowed: %s", ErrUnsafeBundle, name)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("%w: path traversal detected: %s", ErrUnsafeBundle, name)
	}
	return nil
}

// ValidateSymlink resolves target relative to the link's directory and
// rejects links that escape the bundle. Absolute targets are rejected as
// well: a version directory must run from wherever it is installed.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		slog.Error("security_symlink_validation_failed", "symlink", linkPath, "target", target, "reason", "absolute_target")
		return fmt.Errorf("%w: absolute symlink target not allowed: %s -> %s", ErrUnsafeBundle, linkPath, target)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(linkPath)), filepath.FromSlash(target)))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			slog.Error("security_symlink_validation_failed",
				"symlink", linkPath,
				"target", target,
				"resolved", resolved)
			return fmt.Errorf("%w: symlink %s -> %s escapes the bundle", ErrUnsafeBundle, linkPath, target)
		}
	}
	return nil
}

// ValidateEntry checks one tar header: its name, its type and, for links,
// its target. Device nodes and fifos have no place in a release bundle.
func (v *Validator) ValidateEntry(hdr *tar.Header) error {
	v.mu.Lock()
	v.entries++
	entries := v.entries
	v.mu.Unlock()

	if v.limits.MaxEntries > 0 && entries > v.limits.MaxEntries {
		return fmt.Errorf("%w: bundle has more than %d entries", ErrUnsafeBundle, v.limits.MaxEntries)
	}

	if err := v.ValidatePath(hdr.Name); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir, tar.TypeReg:
		return nil
	case tar.TypeSymlink:
		return v.ValidateSymlink(hdr.Name, hdr.Linkname)
	case tar.TypeLink:
		return v.ValidatePath(hdr.Linkname)
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	default:
		slog.Error("security_entry_type_rejected", "path", hdr.Name, "type", string(hdr.Typeflag))
		return fmt.Errorf("%w: unsupported entry type %q for %s", ErrUnsafeBundle, hdr.Typeflag, hdr.Name)
	}
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return fmt.Errorf("%w: file size %d exceeds max %d", ErrUnsafeBundle, size, v.limits.MaxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size
	if v.currentTotalSize > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024)
		return fmt.Errorf("%w: total extracted size %d exceeds max %d", ErrUnsafeBundle,
			v.currentTotalSize, v.limits.MaxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio checks for decompression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		return fmt.Errorf("%w: compressed size cannot be zero", ErrUnsafeBundle)
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio)
		return fmt.Errorf("%w: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)", ErrUnsafeBundle,
			ratio, v.limits.MaxCompressionRatio, compressedSize, uncompressedSize)
	}
	return nil
}

// Reset clears the per-bundle counters
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
	v.entries = 0
}

// GetCurrentTotalSize returns the current total extracted size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
