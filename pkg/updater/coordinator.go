// Package updater coordinates the update lifecycle of one installation:
// checking a channel, staging a release, switching to it on the next launch,
// committing it once healthy and reverting when it is not.
//
// The coordinator owns every write to the State Record outside of the
// installer seed. Operations that touch the Active-Version Pointer run under
// the update lock so that they never race a migration, backup or serve
// session.
package updater

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/fsm"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/manifest"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/storage"
	"github.com/fly-io/stagehand/pkg/versionstore"
)

var (
	// ErrNoUpdate is returned by Apply when no newer release is available.
	ErrNoUpdate = errors.New("no update available")
	// ErrNothingToRollBack is returned by Rollback when no update happened.
	ErrNothingToRollBack = errors.New("nothing to roll back")
	// ErrNotHealthChecking is returned by Commit outside a health check.
	ErrNotHealthChecking = errors.New("no health check in progress")
)

// Applier runs the resolve, download, verify and stage pipeline.
// *fsm.Pipeline implements it.
type Applier interface {
	Apply(ctx context.Context, req *fsm.ApplyRequest) (*fsm.ApplyResponse, error)
}

// Deps are the collaborators of a Coordinator. Journal may be nil.
type Deps struct {
	State    state.Store
	Locks    *lock.Manager
	Store    *versionstore.Store
	Fetcher  storage.Fetcher
	Verifier *manifest.Verifier
	Applier  Applier
	Journal  *db.Repository
}

// Options tune a Coordinator. Channel and MaxFailedBoots only seed new
// records; afterwards the record is authoritative.
type Options struct {
	Channel        state.Channel
	MaxFailedBoots int
	RetainVersions int
	UpdateLockTTL  time.Duration
	// HolderID identifies this process in lock records. Defaults to the PID.
	HolderID int
}

// Coordinator implements the update operations.
type Coordinator struct {
	Deps
	opts Options
	now  func() time.Time
}

// New creates a coordinator
func New(deps Deps, opts Options) *Coordinator {
	if opts.Channel == "" {
		opts.Channel = state.ChannelStable
	}
	if opts.MaxFailedBoots <= 0 {
		opts.MaxFailedBoots = state.DefaultMaxFailedBoots
	}
	if opts.RetainVersions <= 0 {
		opts.RetainVersions = 3
	}
	if opts.UpdateLockTTL <= 0 {
		opts.UpdateLockTTL = 10 * time.Minute
	}
	if opts.HolderID <= 0 {
		opts.HolderID = os.Getpid()
	}
	return &Coordinator{Deps: deps, opts: opts, now: time.Now}
}

// HolderID returns the lock holder id used by this coordinator.
func (c *Coordinator) HolderID() int { return c.opts.HolderID }

// withUpdateLock runs fn while holding the update lock. The lease is renewed
// in the background so slow downloads do not outlive it.
func (c *Coordinator) withUpdateLock(ctx context.Context, description string, fn func() error) error {
	lease, err := c.Locks.Hold(ctx, lock.AcquireRequest{
		Kind:        lock.KindUpdate,
		HolderID:    c.opts.HolderID,
		TTL:         c.opts.UpdateLockTTL,
		Description: description,
	})
	if err != nil {
		// A conflict leaves no trace on disk; the lock manager already logged
		// and counted it.
		if errors.Is(err, errors.ErrConflict) {
			slog.Info("update_lock_busy", "operation", description, "holder_id", c.opts.HolderID)
		}
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("update_lock_release_failed", "holder_id", c.opts.HolderID, "error", err)
		}
	}()

	return fn()
}

// event appends to the journal. The journal is diagnostic, so failures are
// logged and dropped.
func (c *Coordinator) event(kind string, from, to state.Status, version, detail string) {
	if c.Journal == nil {
		return
	}
	err := c.Journal.RecordEvent(&db.Event{
		Kind:       kind,
		FromStatus: string(from),
		ToStatus:   string(to),
		Version:    version,
		Detail:     detail,
	})
	if err != nil {
		slog.Warn("journal_event_failed", "kind", kind, "error", err)
	}
}

func (c *Coordinator) releaseStatus(version, status, message string) {
	if c.Journal == nil || version == "" {
		return
	}
	if err := c.Journal.UpdateStatus(version, status, message); err != nil {
		slog.Debug("journal_status_skipped", "version", version, "status", status, "error", err)
	}
}

func (c *Coordinator) attemptID(ctx context.Context) (int64, error) {
	if c.Journal == nil {
		return c.now().UnixNano(), nil
	}
	id, err := c.Journal.AllocateAttemptID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate attempt id")
	}
	return id, nil
}
