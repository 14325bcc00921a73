package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
)

var (
	statusEvents  int
	historyLimit  int
	historyEvents bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state record, held locks and installed versions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List attempted releases and journal events",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusEvents, "events", 5, "Recent journal events to include")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum events to show")
	historyCmd.Flags().BoolVar(&historyEvents, "events", false, "Show journal events instead of releases")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.coord.Status(ctx, statusEvents)
	if err != nil {
		return errors.Wrap(err, "status failed")
	}

	if jsonOutput {
		return printJSON(report)
	}

	printRecord(report.Record)
	fmt.Printf("%-20s %s\n", "active pointer:", orDash(report.Active))

	fmt.Println()
	if len(report.Locks) == 0 {
		fmt.Println("No locks held")
	} else {
		fmt.Printf("%-16s %-10s %-26s %-10s %s\n", "LOCK", "HOLDER", "ACQUIRED", "TTL", "DESCRIPTION")
		for _, l := range report.Locks {
			ttl := "-"
			if l.TTLSeconds > 0 {
				ttl = (time.Duration(l.TTLSeconds) * time.Second).String()
			}
			fmt.Printf("%-16s %-10d %-26s %-10s %s\n",
				l.Kind, l.HolderID, l.AcquiredAt.Local().Format(time.RFC3339), ttl, orDash(l.Description))
		}
	}

	fmt.Println()
	fmt.Printf("%-20s %-12s %s\n", "VERSION", "CHANNEL", "STAGED")
	for _, v := range report.Versions {
		marker := ""
		if v.Version == report.Active {
			marker = " (active)"
		}
		fmt.Printf("%-20s %-12s %s%s\n", v.Version, orDash(v.Channel), v.StagedAt.Local().Format(time.RFC3339), marker)
	}

	if len(report.Events) > 0 {
		fmt.Println()
		printEvents(report.Events)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	if historyEvents {
		events, err := a.journal.ListEvents(historyLimit)
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		if jsonOutput {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("No events recorded")
			return nil
		}
		printEvents(events)
		return nil
	}

	releases, err := a.journal.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if jsonOutput {
		return printJSON(releases)
	}
	if len(releases) == 0 {
		fmt.Println("No releases found")
		return nil
	}

	fmt.Printf("%-20s %-10s %-12s %-22s %s\n", "VERSION", "CHANNEL", "STATUS", "UPDATED", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, rel := range releases {
		fmt.Printf("%-20s %-10s %-12s %-22s %s\n",
			rel.Version, orDash(rel.Channel), rel.Status, rel.UpdatedAt, orDash(rel.ErrorMessage))
	}
	return nil
}

func printEvents(events []*db.Event) {
	fmt.Printf("%-22s %-14s %-32s %-12s %s\n", "TIME", "EVENT", "TRANSITION", "VERSION", "DETAIL")
	for _, ev := range events {
		transition := "-"
		if ev.FromStatus != "" || ev.ToStatus != "" {
			transition = orDash(ev.FromStatus) + " -> " + orDash(ev.ToStatus)
		}
		fmt.Printf("%-22s %-14s %-32s %-12s %s\n",
			ev.CreatedAt, ev.Kind, transition, orDash(ev.Version), ev.Detail)
	}
}
