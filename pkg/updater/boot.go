package updater

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/metrics"
	"github.com/fly-io/stagehand/pkg/state"
)

// SwitchResult reports what SwitchPending did.
type SwitchResult struct {
	Switched bool
	From     string
	Version  string
	// Discarded is set when the pending version was missing on disk.
	Discarded string
}

// SwitchPending points the installation at the pending version and starts
// its health check. It fails with errors.ErrConflict while a serve session
// or another blocking operation holds its lock; the caller keeps running
// the current version and retries on the next launch.
func (c *Coordinator) SwitchPending(ctx context.Context) (*SwitchResult, error) {
	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}
	if rec.PendingVersion == "" {
		return &SwitchResult{Version: rec.CurrentVersion}, nil
	}

	var result *SwitchResult
	err = c.withUpdateLock(ctx, "switch", func() error {
		var err error
		result, err = c.switchPending(ctx)
		return err
	})
	return result, err
}

func (c *Coordinator) switchPending(ctx context.Context) (*SwitchResult, error) {
	result := &SwitchResult{}

	rec, err := state.Update(ctx, c.State, func(rec *state.Record) error {
		result.From = rec.CurrentVersion
		result.Version = rec.CurrentVersion
		if rec.PendingVersion == "" {
			return nil
		}
		if !c.Store.Exists(rec.PendingVersion) {
			slog.Error("pending_version_missing", "version", rec.PendingVersion)
			result.Discarded = rec.PendingVersion
			rec.PendingVersion = ""
			rec.Status = state.StatusFailed
			return nil
		}
		rec.Status = state.StatusSwitching
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Discarded != "" {
		c.releaseStatus(result.Discarded, db.StatusFailed, "staged directory missing at switch")
		c.event(db.EventSwitch, state.StatusStagedReady, state.StatusFailed, result.Discarded, "pending version missing; keeping current")
		return result, nil
	}
	if rec.Status != state.StatusSwitching {
		return result, nil
	}

	target := rec.PendingVersion
	c.event(db.EventSwitch, state.StatusStagedReady, state.StatusSwitching, target, "from "+result.From)

	// Pointer first: a crash before the record is saved leaves the pending
	// version set and the next launch repeats the switch.
	if err := c.Store.Switch(ctx, target); err != nil {
		return nil, errors.Wrap(err, "failed to switch active version")
	}

	_, err = state.Update(ctx, c.State, func(rec *state.Record) error {
		rec.CurrentVersion = target
		rec.PendingVersion = ""
		rec.Status = state.StatusHealthChecking
		rec.FailedBootCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SetFailedBootCount(0)
	c.event(db.EventSwitch, state.StatusSwitching, state.StatusHealthChecking, target, "")
	slog.Info("version_switched", "from", result.From, "to", target)

	result.Switched = true
	result.Version = target
	return result, nil
}

// Commit marks the running version healthy and prunes old versions.
func (c *Coordinator) Commit(ctx context.Context) (*state.Record, error) {
	rec, err := state.Update(ctx, c.State, func(rec *state.Record) error {
		if rec.Status != state.StatusHealthChecking {
			return fmt.Errorf("%w (status %s)", ErrNotHealthChecking, rec.Status)
		}
		rec.Status = state.StatusCommitted
		rec.LastGoodVersion = rec.CurrentVersion
		rec.FailedBootCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SetFailedBootCount(0)
	c.releaseStatus(rec.CurrentVersion, db.StatusActive, "")
	c.event(db.EventCommit, state.StatusHealthChecking, state.StatusCommitted, rec.CurrentVersion, "")
	slog.Info("version_committed", "version", rec.CurrentVersion)

	_, err = c.Prune(ctx, c.opts.RetainVersions)
	switch {
	case errors.Is(err, errors.ErrConflict):
		slog.Info("prune_deferred", "reason", err)
	case err != nil:
		slog.Warn("prune_failed", "error", err)
	}
	return rec, nil
}

// RecordBootAttempt counts a health-checked launch as failed until Commit
// proves otherwise, so a crash of the shim itself is still counted.
func (c *Coordinator) RecordBootAttempt(ctx context.Context) (*state.Record, error) {
	rec, err := state.Update(ctx, c.State, func(rec *state.Record) error {
		rec.FailedBootCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SetFailedBootCount(rec.FailedBootCount)
	slog.Info("boot_attempt_recorded", "version", rec.CurrentVersion, "failed_boot_count", rec.FailedBootCount, "max_failed_boots", rec.MaxFailedBoots)
	return rec, nil
}

// BootFailureResult reports whether a failed boot triggered a rollback.
type BootFailureResult struct {
	RolledBack      bool
	RevertedTo      string
	FailedBootCount int
}

// HandleBootFailure rolls back once failed boots reach max_failed_boots.
// A crash loop is reported through logs, metrics and the journal, not as an
// error.
func (c *Coordinator) HandleBootFailure(ctx context.Context) (*BootFailureResult, error) {
	metrics.IncBootFailure()

	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !rec.CrashLooping() {
		slog.Warn("boot_failed", "version", rec.CurrentVersion, "failed_boot_count", rec.FailedBootCount, "max_failed_boots", rec.MaxFailedBoots)
		return &BootFailureResult{FailedBootCount: rec.FailedBootCount}, nil
	}

	slog.Error("crash_loop_detected",
		"version", rec.CurrentVersion,
		"failed_boot_count", rec.FailedBootCount,
		"last_good_version", rec.LastGoodVersion)
	c.event(db.EventCrashLoop, rec.Status, state.StatusRolledBack, rec.CurrentVersion,
		fmt.Sprintf("%d failed boots", rec.FailedBootCount))

	result, err := c.rollback(ctx, "crash_loop")
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "crash loop rollback failed"), errors.ErrCrashLoop)
	}
	return &BootFailureResult{RolledBack: true, RevertedTo: result.RevertedTo}, nil
}

// RollbackResult reports a rollback.
type RollbackResult struct {
	From       string `json:"from"`
	RevertedTo string `json:"reverted_to"`
	// DiscardedPending is set when a staged update was dropped instead.
	DiscardedPending string `json:"discarded_pending,omitempty"`
}

// Rollback reverts to the last good version. When an update is staged but
// not yet switched, the pending version is discarded instead. The failed
// version's directory is kept for inspection.
func (c *Coordinator) Rollback(ctx context.Context) (*RollbackResult, error) {
	return c.rollback(ctx, "manual")
}

func (c *Coordinator) rollback(ctx context.Context, reason string) (*RollbackResult, error) {
	var result *RollbackResult
	err := c.withUpdateLock(ctx, "rollback", func() error {
		rec, err := c.State.Load(ctx)
		if err != nil {
			return err
		}
		switch rec.Status {
		case state.StatusIdle, state.StatusChecking:
			return fmt.Errorf("%w (status %s)", ErrNothingToRollBack, rec.Status)
		}

		result = &RollbackResult{From: rec.CurrentVersion, RevertedTo: rec.LastGoodVersion}
		if rec.Status == state.StatusStagedReady {
			result.RevertedTo = rec.CurrentVersion
			result.DiscardedPending = rec.PendingVersion
		} else if err := c.Store.Switch(ctx, rec.LastGoodVersion); err != nil {
			return errors.Wrap(err, "failed to switch to last good version")
		}

		_, err = state.Update(ctx, c.State, func(rec *state.Record) error {
			rec.CurrentVersion = result.RevertedTo
			rec.PendingVersion = ""
			rec.Status = state.StatusRolledBack
			rec.FailedBootCount = 0
			return nil
		})
		if err != nil {
			return err
		}

		if result.DiscardedPending != "" {
			c.releaseStatus(result.DiscardedPending, db.StatusRolledBack, reason)
		} else if result.From != result.RevertedTo {
			c.releaseStatus(result.From, db.StatusRolledBack, reason)
		}
		c.event(db.EventRollback, rec.Status, state.StatusRolledBack, result.RevertedTo,
			fmt.Sprintf("%s: from %s", reason, result.From))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncRollback(reason)
	metrics.SetFailedBootCount(0)
	slog.Warn("rolled_back", "reason", reason, "from", result.From, "to", result.RevertedTo)
	return result, nil
}
