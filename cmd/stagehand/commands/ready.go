package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/health"
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Report the running version healthy to the launch shim",
	Long: `Run by a version launched for a health check once its own startup checks
pass. Outside a health-checked launch it fails without side effects.`,
	Args: cobra.NoArgs,
	// Needs no installation state, only the environment the shim passed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return health.SignalReady(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(readyCmd)
}
