package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fly-io/stagehand/internal/config"
	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	appfsm "github.com/fly-io/stagehand/pkg/fsm"
	"github.com/fly-io/stagehand/pkg/lock"
	"github.com/fly-io/stagehand/pkg/manifest"
	"github.com/fly-io/stagehand/pkg/security"
	"github.com/fly-io/stagehand/pkg/state"
	"github.com/fly-io/stagehand/pkg/storage"
	"github.com/fly-io/stagehand/pkg/updater"
	"github.com/fly-io/stagehand/pkg/versionstore"
)

// needs selects the optional parts of an app.
type needs int

const (
	needSource   needs = 1 << iota // fetcher and verifier
	needPipeline                   // apply FSM
)

// app bundles the collaborators one invocation works with.
type app struct {
	cfg      *config.Config
	coord    *updater.Coordinator
	locks    *lock.Manager
	store    *versionstore.Store
	journal  *db.Repository
	pipeline *appfsm.Pipeline
}

// ensureDirectories creates all necessary directories for the installation
func ensureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create "+dir)
		}
	}
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, n needs) (*app, error) {
	if n&needSource != 0 {
		if err := cfg.ValidateSource(); err != nil {
			return nil, errors.Wrap(err, "config invalid")
		}
	}
	if err := ensureDirectories(cfg.Home, cfg.WorkDir(), cfg.RunDir()); err != nil {
		return nil, err
	}

	locks, err := lock.NewManager(cfg.LocksDir())
	if err != nil {
		return nil, errors.Wrap(err, "lock manager init failed")
	}

	validator := security.NewValidator(security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
		MaxEntries:          cfg.MaxEntries,
	})
	store, err := versionstore.New(cfg.VersionsDir(), validator)
	if err != nil {
		return nil, errors.Wrap(err, "version store init failed")
	}

	journal, err := db.NewRepository(cfg.JournalPath())
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	a := &app{cfg: cfg, locks: locks, store: store, journal: journal}
	deps := updater.Deps{
		State:   state.NewFileStore(cfg.StatePath()),
		Locks:   locks,
		Store:   store,
		Journal: journal,
	}

	if n&needSource != 0 {
		deps.Fetcher, err = newFetcher(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Verifier, err = manifest.NewVerifier(cfg.PublicKeys, cfg.AllowUnsigned)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "config invalid")
		}
	}

	if n&needPipeline != 0 {
		machine := appfsm.NewMachine(locks, deps.Fetcher, deps.Verifier, store, journal, cfg.WorkDir(), cfg.FSMMaxRetries)
		a.pipeline, err = appfsm.Open(ctx, cfg.FSMDBPath(), machine)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Applier = a.pipeline
	}

	a.coord = updater.New(deps, coordinatorOptions(cfg))
	return a, nil
}

func coordinatorOptions(cfg *config.Config) updater.Options {
	return updater.Options{
		Channel:        state.Channel(cfg.Channel),
		MaxFailedBoots: cfg.MaxFailedBoots,
		RetainVersions: cfg.RetainVersions,
		UpdateLockTTL:  cfg.UpdateLockTTL,
	}
}

// newFetcher builds the release source. Artifact URLs are routed by scheme,
// so an S3 channel may point at artifacts on a CDN and the reverse.
func newFetcher(ctx context.Context, cfg *config.Config) (storage.Fetcher, error) {
	web := storage.NewHTTPClient(storage.HTTPOptions{
		BaseURL:         cfg.ManifestURL,
		Version:         Version,
		MaxDownloadSize: cfg.MaxDownloadSize,
		Timeout:         30 * time.Minute,
	})

	var s3c *storage.S3Client
	if cfg.S3Bucket != "" {
		var err error
		s3c, err = storage.NewS3Client(ctx, storage.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			MaxDownloadSize: cfg.MaxDownloadSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
	}

	var router *storage.Router
	if cfg.ManifestSource == "s3" {
		router = storage.NewRouter(s3c)
	} else {
		router = storage.NewRouter(web)
	}
	router.Handle("http", web).Handle("https", web)
	if s3c != nil {
		router.Handle("s3", s3c)
	}
	return router, nil
}

// Close releases the journal and the FSM database.
func (a *app) Close() {
	var result *multierror.Error
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("app_close_failed", "error", err)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printRecord(rec *state.Record) {
	fmt.Printf("%-20s %s\n", "status:", rec.Status)
	fmt.Printf("%-20s %s\n", "current version:", orDash(rec.CurrentVersion))
	fmt.Printf("%-20s %s\n", "last good version:", orDash(rec.LastGoodVersion))
	fmt.Printf("%-20s %s\n", "pending version:", orDash(rec.PendingVersion))
	fmt.Printf("%-20s %s\n", "channel:", rec.UpdateChannel)
	fmt.Printf("%-20s %s\n", "last check:", formatTime(rec.LastCheck))
	fmt.Printf("%-20s %d/%d\n", "failed boots:", rec.FailedBootCount, rec.MaxFailedBoots)
}
