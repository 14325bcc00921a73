package updater

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/fsm"
	"github.com/fly-io/stagehand/pkg/manifest"
	"github.com/fly-io/stagehand/pkg/metrics"
	"github.com/fly-io/stagehand/pkg/state"
)

// CheckResult is the outcome of a channel check.
type CheckResult struct {
	Channel         state.Channel `json:"channel"`
	CurrentVersion  string        `json:"current_version"`
	LatestVersion   string        `json:"latest_version"`
	UpdateAvailable bool          `json:"update_available"`
	ChangelogRef    string        `json:"changelog_ref,omitempty"`
	// Reason explains why a newer release is not offered.
	Reason string `json:"reason,omitempty"`
}

// Check fetches and verifies the manifest for channel, or the record's
// channel when empty, and compares it with the running version. Failures
// leave the State Record untouched.
func (c *Coordinator) Check(ctx context.Context, channel state.Channel) (*CheckResult, error) {
	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		channel = rec.UpdateChannel
	}
	c.event(db.EventTransition, rec.Status, state.StatusChecking, "", string(channel))

	result, err := c.check(ctx, channel, rec.CurrentVersion)
	if err != nil {
		metrics.IncCheck("error")
		slog.Warn("update_check_failed", "channel", channel, "error", err)
		return nil, err
	}

	checkedAt := c.now().UTC()
	_, err = state.Update(ctx, c.State, func(rec *state.Record) error {
		rec.LastCheck = &checkedAt
		// Results for another channel or while an update is in flight do
		// not change what Apply would do.
		if rec.Status.InFlight() || channel != rec.UpdateChannel {
			return nil
		}
		if result.UpdateAvailable {
			rec.Status = state.StatusUpdateAvailable
		} else {
			rec.Status = state.StatusUpToDate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.UpdateAvailable {
		metrics.IncCheck("update_available")
	} else {
		metrics.IncCheck("up_to_date")
	}
	slog.Info("update_check_complete",
		"channel", channel,
		"current", result.CurrentVersion,
		"latest", result.LatestVersion,
		"update_available", result.UpdateAvailable)
	return result, nil
}

func (c *Coordinator) check(ctx context.Context, channel state.Channel, current string) (*CheckResult, error) {
	data, err := c.Fetcher.FetchManifest(ctx, string(channel))
	if err != nil {
		return nil, err
	}
	man, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := c.Verifier.VerifySignature(man); err != nil {
		return nil, err
	}
	if !man.AppliesTo(string(channel)) {
		return nil, fmt.Errorf("%w: manifest is for channel %s, want %s", errors.ErrManifestInvalid, man.Channel, channel)
	}

	result := &CheckResult{
		Channel:        channel,
		CurrentVersion: current,
		LatestVersion:  man.Version,
		ChangelogRef:   man.Changelog,
	}

	newer, err := man.IsNewerThan(current)
	if err != nil {
		return nil, err
	}
	if !newer {
		return result, nil
	}

	ok, err := man.CanUpgradeFrom(current)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Reason = fmt.Sprintf("%s requires at least %s", man.Version, man.MinSupportedVersion)
		return result, nil
	}

	result.UpdateAvailable = true
	return result, nil
}

// ApplyResult reports a staged update.
type ApplyResult struct {
	Accepted bool   `json:"accepted"`
	Version  string `json:"version"`
	Path     string `json:"path,omitempty"`
}

// Apply stages the release found by the last Check and records it as the
// pending version. A held blocking lock fails with errors.ErrConflict and
// changes nothing. The running version is never touched: the switch
// happens on the next launch.
func (c *Coordinator) Apply(ctx context.Context) (*ApplyResult, error) {
	rec, err := c.State.Load(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Status != state.StatusUpdateAvailable {
		return nil, fmt.Errorf("%w (status %s)", ErrNoUpdate, rec.Status)
	}

	var result *ApplyResult
	err = c.withUpdateLock(ctx, "apply", func() error {
		// Another invocation may have applied since the first load.
		rec, err := c.State.Load(ctx)
		if err != nil {
			return err
		}
		if rec.Status != state.StatusUpdateAvailable {
			return fmt.Errorf("%w (status %s)", ErrNoUpdate, rec.Status)
		}
		result, err = c.apply(ctx, rec)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrConflict):
			metrics.IncApply("conflict")
		case errors.Is(err, errors.ErrVerificationFailed):
			metrics.IncApply("verification_failed")
		case errors.Is(err, ErrNoUpdate):
			metrics.IncApply("no_update")
		default:
			metrics.IncApply("error")
		}
		return nil, err
	}

	metrics.IncApply("staged")
	return result, nil
}

func (c *Coordinator) apply(ctx context.Context, rec *state.Record) (*ApplyResult, error) {
	attempt, err := c.attemptID(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("apply_started", "attempt_id", attempt, "channel", rec.UpdateChannel, "current_version", rec.CurrentVersion)
	c.event(db.EventApply, rec.Status, state.StatusDownloading, "", fmt.Sprintf("attempt %d", attempt))

	resp, err := c.Applier.Apply(ctx, &fsm.ApplyRequest{
		AttemptID:      attempt,
		Channel:        string(rec.UpdateChannel),
		CurrentVersion: rec.CurrentVersion,
		HolderID:       c.opts.HolderID,
	})
	if err != nil {
		return nil, c.applyFailed(ctx, rec, err)
	}

	_, err = state.Update(ctx, c.State, func(rec *state.Record) error {
		rec.PendingVersion = resp.Version
		rec.Status = state.StatusStagedReady
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.event(db.EventApply, state.StatusVerifying, state.StatusStagedReady, resp.Version, resp.StagedPath)
	slog.Info("apply_staged", "attempt_id", attempt, "version", resp.Version, "path", resp.StagedPath)
	return &ApplyResult{Accepted: true, Version: resp.Version, Path: resp.StagedPath}, nil
}

// applyFailed decides what a failed run leaves behind. Transport, manifest
// and verification failures are not recorded in the State Record; the
// attempt can be retried from UpdateAvailable.
func (c *Coordinator) applyFailed(ctx context.Context, rec *state.Record, err error) error {
	slog.Error("apply_failed", "channel", rec.UpdateChannel, "error", err)

	switch {
	case errors.Is(err, fsm.ErrNotNewer):
		_, uerr := state.Update(ctx, c.State, func(rec *state.Record) error {
			if rec.Status == state.StatusUpdateAvailable {
				rec.Status = state.StatusUpToDate
			}
			return nil
		})
		if uerr != nil {
			return uerr
		}
		return errors.Wrap(ErrNoUpdate, err.Error())

	case errors.Is(err, errors.ErrNetwork),
		errors.Is(err, errors.ErrManifestInvalid),
		errors.Is(err, errors.ErrVerificationFailed),
		errors.Is(err, errors.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		c.event(db.EventApply, rec.Status, rec.Status, "", err.Error())
		return err
	}

	_, uerr := state.Update(ctx, c.State, func(rec *state.Record) error {
		rec.Status = state.StatusFailed
		return nil
	})
	if uerr != nil {
		slog.Error("apply_failure_not_recorded", "error", uerr)
	}
	c.event(db.EventApply, rec.Status, state.StatusFailed, "", err.Error())
	return err
}
