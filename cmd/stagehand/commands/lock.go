package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/lock"
)

var (
	lockHolder      int
	lockTTL         time.Duration
	lockDescription string
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Coordinate migrations, backups, serve sessions and updates",
	Long: `Advisory locks shared by every process of the installation. Kinds:
migration, backup, serve, update and branch_preview. A lock is refused while
a blocking kind is held; records whose holder died or whose ttl expired are
reclaimed automatically.

Without --holder, locks are held on behalf of the calling process (the
parent of this command), so a shell script can acquire and release around
its own work.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <kind>",
	Short: "Acquire a lock, failing at once on conflict",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <kind>",
	Short: "Release a lock held by the holder",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew <kind>",
	Short: "Extend a held lock by its ttl",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRenew,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List valid locks",
	Args:  cobra.NoArgs,
	RunE:  runLockList,
}

var lockCheckCmd = &cobra.Command{
	Use:   "check <kind>",
	Short: "Report whether a lock could be acquired now",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockCheck,
}

var lockReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove stale lock records",
	Args:  cobra.NoArgs,
	RunE:  runLockReap,
}

var lockExecCmd = &cobra.Command{
	Use:   "exec <kind> -- <command> [args...]",
	Short: "Run a command while holding a lock",
	Long: `Acquires the lock for this process, renews it while the command runs and
releases it when the command exits. The command's exit code is returned.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runLockExec,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockRenewCmd, lockListCmd, lockCheckCmd, lockReapCmd, lockExecCmd)

	for _, c := range []*cobra.Command{lockAcquireCmd, lockReleaseCmd, lockRenewCmd, lockCheckCmd} {
		c.Flags().IntVar(&lockHolder, "holder", 0, "Holder process id (default: the calling process)")
	}
	for _, c := range []*cobra.Command{lockAcquireCmd, lockRenewCmd, lockExecCmd} {
		c.Flags().DurationVar(&lockTTL, "ttl", 0, "Lease ttl; 0 holds until released or the holder dies")
	}
	for _, c := range []*cobra.Command{lockAcquireCmd, lockExecCmd} {
		c.Flags().StringVar(&lockDescription, "description", "", "What the lock protects")
	}
}

func holder() int {
	if lockHolder > 0 {
		return lockHolder
	}
	return os.Getppid()
}

func lockManager() (*lock.Manager, error) {
	if err := ensureDirectories(cfg.Home); err != nil {
		return nil, err
	}
	return lock.NewManager(cfg.LocksDir())
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	kind, err := lock.ParseKind(args[0])
	if err != nil {
		return err
	}
	m, err := lockManager()
	if err != nil {
		return err
	}

	rec, err := m.Acquire(ctx, lock.AcquireRequest{
		Kind:        kind,
		HolderID:    holder(),
		TTL:         lockTTL,
		Description: lockDescription,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	fmt.Printf("Acquired %s lock for holder %d\n", rec.Kind, rec.HolderID)
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	kind, err := lock.ParseKind(args[0])
	if err != nil {
		return err
	}
	m, err := lockManager()
	if err != nil {
		return err
	}

	if err := m.Release(ctx, kind, holder()); err != nil {
		return err
	}
	fmt.Printf("Released %s lock\n", kind)
	return nil
}

func runLockRenew(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	kind, err := lock.ParseKind(args[0])
	if err != nil {
		return err
	}
	m, err := lockManager()
	if err != nil {
		return err
	}

	rec, err := m.Renew(ctx, kind, holder(), lockTTL)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		fmt.Printf("Renewed %s lock until %s\n", rec.Kind, exp.Local().Format(time.RFC3339))
		return nil
	}
	fmt.Printf("Renewed %s lock\n", rec.Kind)
	return nil
}

func runLockList(cmd *cobra.Command, args []string) error {
	m, err := lockManager()
	if err != nil {
		return err
	}
	records, err := m.List(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No locks held")
		return nil
	}

	fmt.Printf("%-16s %-10s %-26s %-26s %s\n", "KIND", "HOLDER", "ACQUIRED", "EXPIRES", "DESCRIPTION")
	for _, r := range records {
		exp := "-"
		if e := r.ExpiresAt(); !e.IsZero() {
			exp = e.Local().Format(time.RFC3339)
		}
		fmt.Printf("%-16s %-10d %-26s %-26s %s\n",
			r.Kind, r.HolderID, r.AcquiredAt.Local().Format(time.RFC3339), exp, orDash(r.Description))
	}
	return nil
}

func runLockCheck(cmd *cobra.Command, args []string) error {
	kind, err := lock.ParseKind(args[0])
	if err != nil {
		return err
	}
	m, err := lockManager()
	if err != nil {
		return err
	}

	if err := m.Check(context.Background(), kind, holder()); err != nil {
		return err
	}
	fmt.Printf("%s lock is available\n", kind)
	return nil
}

func runLockReap(cmd *cobra.Command, args []string) error {
	m, err := lockManager()
	if err != nil {
		return err
	}
	n, err := m.Reap(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d stale locks\n", n)
	return nil
}

func runLockExec(cmd *cobra.Command, args []string) error {
	kind, err := lock.ParseKind(args[0])
	if err != nil {
		return err
	}
	m, err := lockManager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lease, err := m.Hold(ctx, lock.AcquireRequest{
		Kind:        kind,
		HolderID:    os.Getpid(),
		TTL:         lockTTL,
		Description: lockDescription,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("lock_release_failed", "kind", kind, "error", err)
		}
	}()

	child := exec.Command(args[1], args[2:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := child.Start(); err != nil {
		return errors.Wrap(err, "failed to start command")
	}

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	interrupted, lost := ctx.Done(), lease.Lost()
	for {
		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return &codeError{code: exitErr.ExitCode()}
			}
			return err
		case <-interrupted:
			_ = child.Process.Signal(os.Interrupt)
			interrupted = nil
		case <-lost:
			slog.Error("lock_lease_lost", "kind", kind, "pid", child.Process.Pid)
			lost = nil
		}
	}
}
