package updater

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// Prune removes the oldest version directories beyond retain. The current,
// last good and pending versions are always kept.
func (c *Coordinator) Prune(ctx context.Context, retain int) ([]string, error) {
	if retain <= 0 {
		retain = c.opts.RetainVersions
	}

	var removed []string
	err := c.withUpdateLock(ctx, "prune", func() error {
		var err error
		removed, err = c.prune(ctx, retain)
		return err
	})
	return removed, err
}

// prune must run under the update lock. It reloads the record so that a
// version staged since the caller last looked stays protected.
func (c *Coordinator) prune(ctx context.Context, retain int) ([]string, error) {
	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}

	removed, err := c.Store.Prune(ctx, retain, rec.CurrentVersion, rec.LastGoodVersion, rec.PendingVersion)
	for _, v := range removed {
		if c.Journal == nil {
			break
		}
		if err := c.Journal.Delete(v); err != nil {
			slog.Debug("journal_delete_skipped", "version", v, "error", err)
		}
	}
	if len(removed) > 0 {
		slog.Info("versions_pruned", "removed", removed, "retain", retain)
	}
	return removed, err
}

// CleanupResult lists what Cleanup removed.
type CleanupResult struct {
	TempDirs []string `json:"temp_dirs"`
	// Releases are journal rows whose version directory no longer exists.
	Releases []string `json:"releases"`
}

// Cleanup removes staging directories left by interrupted applies and
// journal rows of versions that are no longer on disk. It holds the update
// lock so that it never removes the directory of a running apply.
func (c *Coordinator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{}
	err := c.withUpdateLock(ctx, "cleanup", func() error {
		var errs *multierror.Error

		dirs, err := c.Store.CleanupTemp(ctx)
		result.TempDirs = dirs
		if err != nil {
			errs = multierror.Append(errs, err)
		}

		if c.Journal != nil {
			releases, err := c.Journal.List()
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			for _, rel := range releases {
				if c.Store.Exists(rel.Version) {
					continue
				}
				if err := c.Journal.Delete(rel.Version); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				result.Releases = append(result.Releases, rel.Version)
			}
		}
		return errs.ErrorOrNil()
	})
	if err != nil {
		return result, err
	}
	slog.Info("cleanup_completed", "temp_dirs", len(result.TempDirs), "releases", len(result.Releases))
	return result, nil
}
