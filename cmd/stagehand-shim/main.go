// Command stagehand-shim is the stable entry point of an installation. It
// runs the active version with its own arguments and exits with the
// version's exit code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fly-io/stagehand/internal/config"
	"github.com/fly-io/stagehand/internal/logger"
	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/metrics"
	"github.com/fly-io/stagehand/pkg/security"
	"github.com/fly-io/stagehand/pkg/shim"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/updater"
	"github.com/fly-io/stagehand/pkg/versionstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagehand-shim: config invalid: %v\n", err)
		return shim.ExitFailure
	}

	// The child owns stdout and stderr.
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.LogsDir(), "shim.log")
	}
	log, closeLog, err := logger.New(logger.Options{Level: cfg.LogLevel, File: logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagehand-shim: %v\n", err)
		return shim.ExitFailure
	}
	defer closeLog()
	slog.SetDefault(log)

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		slog.Warn("metrics_registration_failed", "error", err)
	}
	defer func() {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile, registry); err != nil {
			slog.Warn("metrics_textfile_write_failed", "path", cfg.MetricsTextfile, "error", err)
		}
	}()

	coord, closeJournal, err := newCoordinator(cfg)
	if err != nil {
		slog.Error("shim_init_failed", "error", err)
		fmt.Fprintf(os.Stderr, "stagehand-shim: %v\n", err)
		return shim.ExitFailure
	}
	defer closeJournal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := shim.New(coord, &shim.ExecResolver{Entrypoint: cfg.Entrypoint}, shim.Options{
		HealthTimeout: cfg.HealthTimeout,
		RunDir:        cfg.RunDir(),
	})
	return s.Run(ctx, os.Args[1:])
}

// newCoordinator wires the parts the shim needs. It never fetches releases,
// so it has no fetcher, verifier or pipeline.
func newCoordinator(cfg *config.Config) (*updater.Coordinator, func(), error) {
	locks, err := lock.NewManager(cfg.LocksDir())
	if err != nil {
		return nil, nil, err
	}
	store, err := versionstore.New(cfg.VersionsDir(), security.NewValidator(security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
		MaxEntries:          cfg.MaxEntries,
	}))
	if err != nil {
		return nil, nil, err
	}

	deps := updater.Deps{
		State: state.NewFileStore(cfg.StatePath()),
		Locks: locks,
		Store: store,
	}
	closeJournal := func() {}
	// The journal is diagnostic; a broken database must not stop a launch.
	if journal, err := db.NewRepository(cfg.JournalPath()); err != nil {
		slog.Warn("journal_unavailable", "error", err)
	} else {
		deps.Journal = journal
		closeJournal = func() { _ = journal.Close() }
	}

	return updater.New(deps, updater.Options{
		Channel:        state.Channel(cfg.Channel),
		MaxFailedBoots: cfg.MaxFailedBoots,
		RetainVersions: cfg.RetainVersions,
		UpdateLockTTL:  cfg.UpdateLockTTL,
	}), closeJournal, nil
}
