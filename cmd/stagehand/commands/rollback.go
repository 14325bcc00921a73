package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert to the last good version or discard a staged update",
	Args:  cobra.NoArgs,
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.coord.Rollback(ctx)
	if err != nil {
		return errors.Wrap(err, "rollback failed")
	}

	if jsonOutput {
		return printJSON(res)
	}
	if res.DiscardedPending != "" {
		fmt.Printf("Discarded staged %s; staying on %s\n", res.DiscardedPending, res.RevertedTo)
		return nil
	}
	fmt.Printf("Rolled back from %s to %s\n", orDash(res.From), res.RevertedTo)
	return nil
}
