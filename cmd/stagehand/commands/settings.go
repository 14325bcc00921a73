package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
)

var channelCmd = &cobra.Command{
	Use:   "channel [stable|beta|nightly]",
	Short: "Show or change the release channel",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChannel,
}

var maxFailedBootsCmd = &cobra.Command{
	Use:   "max-failed-boots <n>",
	Short: "Change how many failed health checks trigger a rollback",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaxFailedBoots,
}

func init() {
	rootCmd.AddCommand(channelCmd)
	rootCmd.AddCommand(maxFailedBootsCmd)
}

func runChannel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		rec, err := a.coord.State.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "state load failed")
		}
		fmt.Println(rec.UpdateChannel)
		return nil
	}

	rec, err := a.coord.SetChannel(ctx, args[0])
	if err != nil {
		return errors.Wrap(err, "channel change failed")
	}
	fmt.Printf("Following %s\n", rec.UpdateChannel)
	return nil
}

func runMaxFailedBoots(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid count %q", args[0])
	}

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.coord.SetMaxFailedBoots(ctx, n)
	if err != nil {
		return errors.Wrap(err, "max-failed-boots change failed")
	}
	fmt.Printf("Rolling back after %d failed boots\n", rec.MaxFailedBoots)
	return nil
}
