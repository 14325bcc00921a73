// Package shim is the stable entry point of an installation. Every launch
// goes through Run, which finishes any switch the coordinator prepared,
// health checks a freshly switched version and reverts a crash-looping one
// before handing control to the active version.
package shim

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/health"
	"github.com/fly-io/stagehand/pkg/metrics"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/updater"
)

// Exit codes returned when no child exit code applies.
const (
	ExitFailure   = 1
	ExitCancelled = 130
)

// Options tune a Shim.
type Options struct {
	HealthTimeout time.Duration
	// RunDir holds ready files. It should not be shared with other hosts.
	RunDir       string
	PollInterval time.Duration
}

// Shim launches the active version.
type Shim struct {
	coord    *updater.Coordinator
	resolver Resolver
	opts     Options
}

// New creates a shim
func New(coord *updater.Coordinator, resolver Resolver, opts Options) *Shim {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 30 * time.Second
	}
	if opts.RunDir == "" {
		opts.RunDir = os.TempDir()
	}
	return &Shim{coord: coord, resolver: resolver, opts: opts}
}

// Run launches the active version with args and returns the exit code the
// shim should exit with.
func (s *Shim) Run(ctx context.Context, args []string) int {
	rec, err := s.load(ctx)
	if err != nil {
		slog.Error("shim_state_unavailable", "error", err)
		return ExitFailure
	}

	// The previous shim died during a health check that already used up
	// the last attempt.
	if rec.Status == state.StatusHealthChecking && rec.CrashLooping() {
		res, err := s.coord.HandleBootFailure(ctx)
		if err != nil {
			slog.Error("crash_loop_rollback_deferred", "error", err)
			return s.launch(ctx, rec.LastGoodVersion, args, "fallback")
		}
		if res.RolledBack {
			return s.launch(ctx, res.RevertedTo, args, "fallback")
		}
	}

	if rec.PendingVersion != "" {
		sw, err := s.coord.SwitchPending(ctx)
		switch {
		case errors.Is(err, errors.ErrConflict):
			slog.Info("switch_deferred", "pending_version", rec.PendingVersion, "reason", err)
		case err != nil:
			slog.Error("switch_failed", "pending_version", rec.PendingVersion, "error", err)
		case sw.Discarded != "":
			slog.Warn("pending_version_discarded", "version", sw.Discarded)
		}

		if rec, err = s.coord.State.Load(ctx); err != nil {
			slog.Error("shim_state_unavailable", "error", err)
			return ExitFailure
		}
	}

	if rec.Status == state.StatusHealthChecking {
		return s.healthChecked(ctx, rec, args)
	}
	return s.launch(ctx, rec.CurrentVersion, args, "normal")
}

// load reads the State Record, rebuilding it from disk when it is missing
// or corrupt.
func (s *Shim) load(ctx context.Context) (*state.Record, error) {
	rec, err := s.coord.State.Load(ctx)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, errors.ErrCorruptState) && !errors.Is(err, state.ErrNotInitialized) {
		return nil, err
	}
	slog.Warn("state_recovery_started", "reason", err)
	return s.coord.Recover(ctx)
}

func (s *Shim) target(version string, args []string) Target {
	return Target{Version: version, Dir: s.coord.Store.Path(version), Args: args}
}

func (s *Shim) start(ctx context.Context, version string, args []string, env []string) (Process, error) {
	runnable, err := s.resolver.Resolve(ctx, s.target(version, args))
	if err != nil {
		return nil, err
	}
	return runnable.Start(ctx, append(env, health.EnvVersion+"="+version))
}

// launch runs version without a health check and relays its exit code.
func (s *Shim) launch(ctx context.Context, version string, args []string, mode string) int {
	metrics.IncLaunch(mode)
	slog.Info("launch", "version", version, "mode", mode)

	proc, err := s.start(ctx, version, args, nil)
	if err != nil {
		slog.Error("launch_failed", "version", version, "error", err)
		return ExitFailure
	}
	return s.relay(ctx, proc, waitAsync(proc))
}

// relay waits for proc to exit, interrupting it when ctx is cancelled.
func (s *Shim) relay(ctx context.Context, proc Process, exit <-chan exitResult) int {
	select {
	case r := <-exit:
		return r.code
	case <-ctx.Done():
		if err := proc.Signal(os.Interrupt); err != nil {
			_ = proc.Kill()
		}
		r := <-exit
		if r.code >= 0 {
			return r.code
		}
		return ExitCancelled
	}
}

// healthChecked launches a freshly switched version and decides between
// commit and boot failure.
func (s *Shim) healthChecked(ctx context.Context, rec *state.Record, args []string) int {
	version := rec.CurrentVersion
	if _, err := s.coord.RecordBootAttempt(ctx); err != nil {
		slog.Error("boot_attempt_not_recorded", "version", version, "error", err)
		return s.launch(ctx, version, args, "normal")
	}
	metrics.IncLaunch("health_check")

	sig, err := health.NewSignal(s.opts.RunDir, version)
	if err != nil {
		slog.Error("health_signal_unavailable", "error", err)
		return s.bootFailed(ctx, args, ExitFailure)
	}
	defer sig.Cleanup()

	started := time.Now()
	proc, err := s.start(ctx, version, args, sig.Env())
	if err != nil {
		slog.Error("launch_failed", "version", version, "error", err)
		return s.bootFailed(ctx, args, ExitFailure)
	}
	slog.Info("health_check_started", "version", version, "pid", proc.PID(), "boot_id", sig.BootID, "timeout", s.opts.HealthTimeout)

	exit := waitAsync(proc)
	hctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()
	ready := make(chan error, 1)
	go func() { ready <- sig.Wait(hctx, s.opts.PollInterval) }()

	select {
	case err := <-ready:
		metrics.ObserveHealthWait(time.Since(started).Seconds())
		if err == nil {
			s.commit(ctx, version)
			return s.relay(ctx, proc, exit)
		}
		if ctx.Err() != nil {
			return s.relay(ctx, proc, exit)
		}
		slog.Error("health_check_timeout", "version", version, "timeout", s.opts.HealthTimeout)
		_ = proc.Kill()
		<-exit
		return s.bootFailed(ctx, args, ExitFailure)

	case r := <-exit:
		metrics.ObserveHealthWait(time.Since(started).Seconds())
		// A command that finished cleanly proved the version runs.
		if r.code == 0 || sig.Ready() {
			s.commit(ctx, version)
			return r.code
		}
		slog.Error("health_check_failed", "version", version, "exit_code", r.code, "error", r.err)
		return s.bootFailed(ctx, args, r.code)
	}
}

func (s *Shim) commit(ctx context.Context, version string) {
	if _, err := s.coord.Commit(ctx); err != nil {
		slog.Error("commit_failed", "version", version, "error", err)
		return
	}
	slog.Info("health_check_passed", "version", version)
}

// bootFailed records a failed health check. Below the threshold the next
// launch retries the same version; at the threshold the last good version
// runs now.
func (s *Shim) bootFailed(ctx context.Context, args []string, code int) int {
	if code <= 0 {
		code = ExitFailure
	}
	res, err := s.coord.HandleBootFailure(ctx)
	if err != nil {
		slog.Error("boot_failure_not_handled", "error", err)
		return code
	}
	if !res.RolledBack {
		return code
	}
	return s.launch(ctx, res.RevertedTo, args, "fallback")
}

type exitResult struct {
	code int
	err  error
}

func waitAsync(proc Process) <-chan exitResult {
	ch := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		ch <- exitResult{code: code, err: err}
	}()
	return ch
}
