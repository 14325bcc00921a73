package updater

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/manifest"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/versionstore"
)

// StatusReport is a read-only view of the installation.
type StatusReport struct {
	Record   *state.Record        `json:"state"`
	Active   string               `json:"active_version"`
	Locks    []*lock.Record       `json:"locks"`
	Versions []*versionstore.Info `json:"versions"`
	Events   []*db.Event          `json:"events,omitempty"`
}

// Status collects the State Record, held locks, staged versions and the
// most recent journal events.
func (c *Coordinator) Status(ctx context.Context, events int) (*StatusReport, error) {
	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.Store.Current()
	if err != nil {
		return nil, err
	}
	locks, err := c.Locks.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list locks")
	}
	versions, err := c.Store.List()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Record: rec, Active: active, Locks: locks, Versions: versions}
	if c.Journal != nil && events > 0 {
		report.Events, err = c.Journal.ListEvents(events)
		if err != nil {
			slog.Warn("journal_read_failed", "error", err)
		}
	}
	return report, nil
}

// SetChannel changes the release channel followed by the installation.
func (c *Coordinator) SetChannel(ctx context.Context, channel string) (*state.Record, error) {
	ch, err := state.ParseChannel(channel)
	if err != nil {
		return nil, err
	}
	rec, err := state.Update(ctx, c.State, func(rec *state.Record) error {
		if rec.Status.InFlight() {
			return fmt.Errorf("%w: cannot change channel while %s", errors.ErrConflict, rec.Status)
		}
		if rec.UpdateChannel != ch && rec.Status == state.StatusUpdateAvailable {
			// The available update was found on the old channel.
			rec.Status = state.StatusIdle
		}
		rec.UpdateChannel = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("channel_changed", "channel", ch)
	return rec, nil
}

// SetMaxFailedBoots changes the crash-loop threshold.
func (c *Coordinator) SetMaxFailedBoots(ctx context.Context, n int) (*state.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("max failed boots must be positive, got %d", n)
	}
	rec, err := state.Update(ctx, c.State, func(rec *state.Record) error {
		if rec.Status.InFlight() {
			return fmt.Errorf("%w: cannot change max failed boots while %s", errors.ErrConflict, rec.Status)
		}
		rec.MaxFailedBoots = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("max_failed_boots_changed", "max_failed_boots", n)
	return rec, nil
}

// InstallRequest describes the bundle an installer lays down.
type InstallRequest struct {
	Version    string
	BundlePath string
	// SHA256 is checked against the bundle when set.
	SHA256 string
}

// Install stages a bundle, makes it active and seeds the State Record with
// it as both current and last good version. Installing over an existing
// record keeps its channel and threshold.
func (c *Coordinator) Install(ctx context.Context, req InstallRequest) (*state.Record, error) {
	sum, err := manifest.FileSHA256(req.BundlePath)
	if err != nil {
		return nil, err
	}
	if req.SHA256 != "" {
		if err := manifest.VerifyChecksum(req.SHA256, sum); err != nil {
			return nil, err
		}
	}

	var rec *state.Record
	err = c.withUpdateLock(ctx, "install", func() error {
		id, err := c.Store.Stage(ctx, versionstore.StageRequest{
			Version:    req.Version,
			BundlePath: req.BundlePath,
			SHA256:     sum,
			Channel:    string(c.opts.Channel),
		})
		if err != nil {
			return err
		}
		if err := c.Store.Switch(ctx, id); err != nil {
			return err
		}

		seed := state.New(id, c.opts.Channel, c.opts.MaxFailedBoots)
		var created bool
		rec, created, err = state.Initialize(ctx, c.State, seed)
		if err != nil && !errors.Is(err, errors.ErrCorruptState) {
			return err
		}
		if err != nil {
			if err := c.reseed(ctx, seed); err != nil {
				return err
			}
			rec = seed.Clone()
			return nil
		}
		if created {
			return nil
		}

		rec, err = state.Update(ctx, c.State, func(rec *state.Record) error {
			rec.CurrentVersion = id
			rec.LastGoodVersion = id
			rec.PendingVersion = ""
			rec.Status = state.StatusIdle
			rec.FailedBootCount = 0
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.Journal != nil {
		rel := &db.Release{
			Version:    rec.CurrentVersion,
			Channel:    string(rec.UpdateChannel),
			SHA256:     sum,
			Status:     db.StatusActive,
			StagedPath: c.Store.Path(rec.CurrentVersion),
		}
		if existing, _ := c.Journal.GetByVersion(rel.Version); existing == nil {
			if err := c.Journal.Create(rel); err != nil {
				slog.Warn("journal_write_failed", "version", rel.Version, "error", err)
			}
		} else {
			c.releaseStatus(rel.Version, db.StatusActive, "")
		}
	}
	c.event(db.EventTransition, "", state.StatusIdle, rec.CurrentVersion, "installed")
	slog.Info("installed", "version", rec.CurrentVersion, "path", c.Store.Path(rec.CurrentVersion))
	return rec, nil
}

func (c *Coordinator) reseed(ctx context.Context, seed *state.Record) error {
	unlock, err := c.State.Lock(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to lock state")
	}
	defer unlock()
	return c.State.Save(ctx, seed)
}

// Recover rebuilds a missing or corrupt State Record from the Version
// Store. The active version becomes, in order of preference, the last good
// version still readable from the old record, the pointer target, or the
// newest complete version on disk. A pointer that was switched to a version
// still under health check never becomes last good this way.
func (c *Coordinator) Recover(ctx context.Context) (*state.Record, error) {
	unlock, err := c.State.Lock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock state")
	}
	defer unlock()

	if rec, err := c.State.Load(ctx); err == nil {
		return rec, nil
	} else if !errors.Is(err, errors.ErrCorruptState) && !errors.Is(err, state.ErrNotInitialized) {
		return nil, err
	}

	var salvaged *state.Record
	if s, ok := c.State.(state.Salvager); ok {
		salvaged = s.Salvage(ctx)
	}

	pointer, err := c.Store.Current()
	if err != nil {
		slog.Warn("pointer_unreadable", "error", err)
		pointer = ""
	}

	current := ""
	switch {
	case salvaged != nil && salvaged.LastGoodVersion != "" && c.Store.Exists(salvaged.LastGoodVersion):
		current = salvaged.LastGoodVersion
	case pointer != "" && c.Store.Exists(pointer):
		current = pointer
	default:
		infos, err := c.Store.List()
		if err != nil {
			return nil, err
		}
		if len(infos) > 0 {
			current = infos[len(infos)-1].Version
		}
	}
	if current == "" {
		return nil, fmt.Errorf("%w: no installed version to recover", errors.ErrCorruptState)
	}

	if pointer != current {
		if err := c.Store.Switch(ctx, current); err != nil {
			return nil, errors.Wrap(err, "failed to repair active version pointer")
		}
	}

	rec := state.New(current, c.opts.Channel, c.opts.MaxFailedBoots)
	if err := c.State.Save(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failed to save recovered state")
	}

	c.event(db.EventRecover, "", state.StatusIdle, current, fmt.Sprintf("pointer was %q", pointer))
	slog.Warn("state_recovered", "current_version", current, "pointer", pointer)
	return rec.Clone(), nil
}
