package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
)

var pruneRetain int

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Manage installed version directories",
}

var versionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed versions",
	Args:  cobra.NoArgs,
	RunE:  runVersionsList,
}

var versionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old versions beyond the retention count",
	Args:  cobra.NoArgs,
	RunE:  runVersionsPrune,
}

var versionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove interrupted staging directories and orphaned journal rows",
	Args:  cobra.NoArgs,
	RunE:  runVersionsCleanup,
}

func init() {
	rootCmd.AddCommand(versionsCmd)
	versionsCmd.AddCommand(versionsListCmd, versionsPruneCmd, versionsCleanupCmd)
	versionsPruneCmd.Flags().IntVar(&pruneRetain, "retain", 0, "Versions to keep (default retain-versions)")
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.store.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if jsonOutput {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No versions installed")
		return nil
	}

	active, err := a.store.Current()
	if err != nil {
		return err
	}
	rec, _ := a.coord.State.Load(ctx)

	fmt.Printf("%-20s %-10s %-26s %-14s %s\n", "VERSION", "CHANNEL", "STAGED", "ROLE", "SHA256")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, info := range infos {
		role := "-"
		switch {
		case info.Version == active:
			role = "active"
		case rec != nil && info.Version == rec.PendingVersion:
			role = "pending"
		case rec != nil && info.Version == rec.LastGoodVersion:
			role = "last-good"
		}
		sum := info.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Printf("%-20s %-10s %-26s %-14s %s\n",
			info.Version, orDash(info.Channel), info.StagedAt.Local().Format(time.RFC3339), role, orDash(sum))
	}
	return nil
}

func runVersionsPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.coord.Prune(ctx, pruneRetain)
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}
	if jsonOutput {
		return printJSON(removed)
	}
	for _, v := range removed {
		fmt.Printf("Removed %s\n", v)
	}
	fmt.Printf("Removed %d versions\n", len(removed))
	return nil
}

func runVersionsCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.coord.Cleanup(ctx)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}
	if jsonOutput {
		return printJSON(res)
	}
	for _, d := range res.TempDirs {
		fmt.Printf("Removed staging directory %s\n", d)
	}
	for _, v := range res.Releases {
		fmt.Printf("Removed journal entry for %s\n", v)
	}
	fmt.Printf("Removed %d orphaned resources\n", len(res.TempDirs)+len(res.Releases))
	return nil
}
