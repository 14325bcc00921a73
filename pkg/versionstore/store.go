// Package versionstore manages the on-disk layout of installed versions:
//
//	<root>/<version>/                 immutable, complete version directory
//	<root>/<version>/.stagehand-bundle.json
//	<root>/.tmp-<version>-<suffix>/   staging area, never addressable
//	<root>/.current                   active-version pointer
//
// A directory becomes addressable only by the rename that completes staging,
// and the pointer is only ever replaced by rename, so no reader observes a
// partial version or a half-written pointer.
package versionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	goversion "github.com/hashicorp/go-version"

	"github.com/fly-io/stagehand/pkg/atomicfile"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/security"
)

const (
	metadataFile = ".stagehand-bundle.json"
	pointerFile  = ".current"
	tempPrefix   = ".tmp-"
)

var (
	ErrVersionExists = errors.New("version already staged with different content")
	ErrNotStaged     = errors.New("version not staged")
)

// Metadata is written into every version directory as the last step of
// staging. Its presence marks the directory complete.
type Metadata struct {
	Version  string    `json:"version"`
	SHA256   string    `json:"sha256"`
	Channel  string    `json:"channel,omitempty"`
	StagedAt time.Time `json:"staged_at"`
}

// Info describes one complete version directory.
type Info struct {
	Metadata
	Path string
}

// Store is the version store rooted at one directory.
type Store struct {
	root      string
	validator *security.Validator
	now       func() time.Time

	// the validator tracks per-bundle totals, so extractions are serialized
	mu sync.Mutex
}

// New creates a store rooted at root
func New(root string, validator *security.Validator) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create versions dir")
	}
	return &Store{root: root, validator: validator, now: time.Now}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the directory of version id, complete or not.
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

// StageRequest names a verified bundle to install.
type StageRequest struct {
	Version    string
	BundlePath string
	SHA256     string
	Channel    string
}

// Stage extracts the bundle into a temporary directory and renames it into
// place once complete. Staging the same version with the same checksum again
// returns the existing directory.
func (s *Store) Stage(ctx context.Context, req StageRequest) (string, error) {
	id := req.Version
	if err := s.validator.ValidateVersionID(id); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := s.Info(id); err == nil {
		if req.SHA256 != "" && info.SHA256 == req.SHA256 {
			slog.Info("version_already_staged", "version", id)
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrVersionExists, id)
	}
	if _, err := os.Lstat(s.Path(id)); err == nil {
		return "", fmt.Errorf("%w: %s (incomplete directory present)", ErrVersionExists, id)
	}

	tmp := filepath.Join(s.root, tempPrefix+id+"-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create staging dir")
	}

	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(tmp); err != nil {
				slog.Warn("staging_cleanup_failed", "path", tmp, "error", err)
			}
		}
	}()

	slog.Info("version_staging_started", "version", id, "bundle", req.BundlePath, "staging_dir", tmp)

	if err := extractBundle(ctx, req.BundlePath, tmp, s.validator); err != nil {
		slog.Error("version_extraction_failed", "version", id, "error", err)
		return "", errors.Wrap(err, "bundle extraction failed")
	}

	meta := Metadata{Version: id, SHA256: req.SHA256, Channel: req.Channel, StagedAt: s.now().UTC()}
	if err := atomicfile.WriteJSON(ctx, filepath.Join(tmp, metadataFile), meta, 0644); err != nil {
		return "", errors.Wrap(err, "failed to write bundle metadata")
	}

	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "staging cancelled")
	}

	if err := os.Rename(tmp, s.Path(id)); err != nil {
		return "", errors.Wrap(err, "failed to move staged version into place")
	}
	committed = true

	slog.Info("version_staged", "version", id, "path", s.Path(id))
	return id, nil
}

// Switch atomically points the store at id.
func (s *Store) Switch(ctx context.Context, id string) error {
	if !s.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotStaged, id)
	}

	prev, _ := s.Current()
	if err := atomicfile.WriteFile(ctx, filepath.Join(s.root, pointerFile), []byte(id+"\n"), 0644); err != nil {
		return errors.Wrap(err, "failed to switch active version")
	}

	slog.Info("version_switched", "from", prev, "to", id)
	return nil
}

// Current returns the pointer target, or "" if nothing was ever switched to.
func (s *Store) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, pointerFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read active version")
	}
	return strings.TrimSpace(string(data)), nil
}

// Exists reports whether id is a complete version directory.
func (s *Store) Exists(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	_, err := s.Info(id)
	return err == nil
}

// Info reads the metadata of a complete version.
func (s *Store) Info(id string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(s.Path(id), metadataFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bundle metadata")
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to parse bundle metadata")
	}
	return &Info{Metadata: meta, Path: s.Path(id)}, nil
}

// List returns complete versions, oldest first.
func (s *Store) List() ([]*Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read versions dir")
	}

	var infos []*Info
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := s.Info(entry.Name())
		if err != nil {
			slog.Debug("version_dir_skipped", "name", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, info)
	}

	sortInfos(infos)
	return infos, nil
}

// Prune removes complete versions beyond the newest retain, never touching
// protected ids or the pointer target. It returns the removed ids.
func (s *Store) Prune(ctx context.Context, retain int, protected ...string) ([]string, error) {
	if retain < 0 {
		retain = 0
	}

	infos, err := s.List()
	if err != nil {
		return nil, err
	}

	keep := map[string]bool{}
	for _, id := range protected {
		keep[id] = true
	}
	if cur, err := s.Current(); err == nil && cur != "" {
		keep[cur] = true
	}

	var removed []string
	var result *multierror.Error
	for i := 0; i < len(infos)-retain; i++ {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		id := infos[i].Version
		if keep[id] {
			continue
		}
		if err := os.RemoveAll(infos[i].Path); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		slog.Info("version_pruned", "version", id)
		removed = append(removed, id)
	}
	return removed, result.ErrorOrNil()
}

// CleanupTemp removes staging directories left behind by interrupted runs.
// Callers must hold the update lock so no staging is in progress.
func (s *Store) CleanupTemp(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read versions dir")
	}

	var removed []string
	var result *multierror.Error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		slog.Info("staging_residue_removed", "name", entry.Name())
		removed = append(removed, entry.Name())
	}
	return removed, result.ErrorOrNil()
}

// sortInfos orders by semantic version when both parse, falling back to
// staging time and then name.
func sortInfos(infos []*Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		a, errA := goversion.NewVersion(infos[i].Version)
		b, errB := goversion.NewVersion(infos[j].Version)
		if errA == nil && errB == nil && !a.Equal(b) {
			return a.LessThan(b)
		}
		if !infos[i].StagedAt.Equal(infos[j].StagedAt) {
			return infos[i].StagedAt.Before(infos[j].StagedAt)
		}
		return infos[i].Version < infos[j].Version
	})
}
