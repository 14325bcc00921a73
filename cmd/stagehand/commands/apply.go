package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/updater"
)

var (
	checkChannel string
	checkRetries int
	applyRetries int
	applyCheck   bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the release channel for a newer version",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Download, verify and stage the available update",
	Long: `Runs the resolve, download, verify and stage pipeline for the release found
by the last check. The staged version becomes active on the next launch.
Fails with a conflict when a migration, backup or serve session is running.`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkChannel, "channel", "", "Channel to check instead of the installation's")
	checkCmd.Flags().IntVar(&checkRetries, "retries", 0, "Retries on network errors")

	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().IntVar(&applyRetries, "retries", 0, "Retries on network errors")
	applyCmd.Flags().BoolVar(&applyCheck, "check", false, "Check the channel first")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, needSource)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := check(ctx, a, checkChannel, checkRetries)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(res)
	}
	switch {
	case res.UpdateAvailable:
		fmt.Printf("Update available on %s: %s -> %s\n", res.Channel, orDash(res.CurrentVersion), res.LatestVersion)
		if res.ChangelogRef != "" {
			fmt.Printf("Changelog: %s\n", res.ChangelogRef)
		}
	case res.Reason != "":
		fmt.Printf("No update on %s: %s\n", res.Channel, res.Reason)
	default:
		fmt.Printf("Up to date on %s (%s)\n", res.Channel, orDash(res.CurrentVersion))
	}
	return nil
}

func check(ctx context.Context, a *app, channel string, retries int) (*updater.CheckResult, error) {
	var ch state.Channel
	if channel != "" {
		var err error
		if ch, err = state.ParseChannel(channel); err != nil {
			return nil, err
		}
	}

	var res *updater.CheckResult
	err := withRetry(ctx, "update_check", retries, func() error {
		var err error
		res, err = a.coord.Check(ctx, ch)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "check failed")
	}
	return res, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Refuse before the journal and FSM databases are opened, so a conflict
	// writes nothing.
	if err := checkUpdateLock(ctx); err != nil {
		return errors.Wrap(err, "apply failed")
	}

	a, err := newApp(ctx, cfg, needSource|needPipeline)
	if err != nil {
		return err
	}
	defer a.Close()

	if applyCheck {
		res, err := check(ctx, a, "", applyRetries)
		if err != nil {
			return err
		}
		if !res.UpdateAvailable {
			fmt.Printf("Up to date on %s (%s)\n", res.Channel, orDash(res.CurrentVersion))
			return nil
		}
	}

	var res *updater.ApplyResult
	err = withRetry(ctx, "update_apply", applyRetries, func() error {
		var err error
		res, err = a.coord.Apply(ctx)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "apply failed")
	}

	slog.Info("apply_completed", "version", res.Version, "path", res.Path)
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("Staged %s; it becomes active on the next launch\n", res.Version)
	return nil
}

func checkUpdateLock(ctx context.Context) error {
	m, err := lockManager()
	if err != nil {
		return err
	}
	return m.Check(ctx, lock.KindUpdate, os.Getpid())
}
