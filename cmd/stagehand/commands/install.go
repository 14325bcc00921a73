package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/updater"
)

var installSHA256 string

var installCmd = &cobra.Command{
	Use:     "install <version> <bundle>",
	Aliases: []string{"init"},
	Short:   "Install a bundle as the active version and seed the state record",
	Long: `Stages a local release bundle (tar or tar.gz), makes it the active version
and records it as both current and last good version. A new installation
takes its channel and max-failed-boots from configuration.`,
	Args: cobra.ExactArgs(2),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installSHA256, "sha256", "", "Expected SHA-256 of the bundle")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.coord.Install(ctx, updater.InstallRequest{
		Version:    args[0],
		BundlePath: args[1],
		SHA256:     installSHA256,
	})
	if err != nil {
		return errors.Wrap(err, "install failed")
	}

	if jsonOutput {
		return printJSON(rec)
	}
	fmt.Printf("Installed %s (channel %s)\n", rec.CurrentVersion, rec.UpdateChannel)
	return nil
}
