package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/stagehand/internal/config"
	"github.com/fly-io/stagehand/internal/logger"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/metrics"
)

// Version is reported in the HTTP user agent.
var Version = "dev"

// Exit codes for scripted callers.
const (
	exitError     = 1
	exitConflict  = 3
	exitCrashLoop = 4
)

var (
	cfg        *config.Config
	closeLog   func() error
	registry   = prometheus.NewRegistry()
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Crash-safe self-update and operation coordination",
	Long: `Checks release channels, stages verified releases, switches and rolls back
versions, and coordinates migrations, backups and serve sessions through
advisory locks.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the CLI and exits with a code derived from the error kind.
func Execute() {
	err := rootCmd.Execute()
	flushMetrics()
	if closeLog != nil {
		_ = closeLog()
	}
	if err != nil {
		var ce *codeError
		if !errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// codeError carries the exit code of a command run on the user's behalf.
type codeError struct {
	code int
}

func (e *codeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) int {
	var ce *codeError
	switch {
	case errors.As(err, &ce):
		if ce.code > 0 {
			return ce.code
		}
		return exitError
	case errors.Is(err, errors.ErrConflict):
		return exitConflict
	case errors.Is(err, errors.ErrCrashLoop):
		return exitCrashLoop
	default:
		return exitError
	}
}

func init() {
	rootCmd.PersistentFlags().String("home", "", "Installation root (default $HOME/.stagehand)")
	rootCmd.PersistentFlags().String("channel", "stable", "Release channel used to seed a new installation")
	rootCmd.PersistentFlags().Int("max-failed-boots", 3, "Failed health checks before rolling back, for a new installation")
	rootCmd.PersistentFlags().Int("retain-versions", 3, "Version directories kept after a commit")
	rootCmd.PersistentFlags().Duration("update-lock-ttl", 0, "TTL of the update lock")
	rootCmd.PersistentFlags().String("manifest-source", "http", "Release source: http or s3")
	rootCmd.PersistentFlags().String("manifest-url", "", "Base URL serving <channel>.json manifests")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket holding releases")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-prefix", "", "Key prefix of channel manifests in the bucket")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint override")
	rootCmd.PersistentFlags().StringSlice("public-keys", nil, "Hex encoded ed25519 manifest signing keys")
	rootCmd.PersistentFlags().Bool("allow-unsigned", false, "Accept unsigned manifests")
	rootCmd.PersistentFlags().Int64("max-file-size", 2*1024*1024*1024, "Max file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio")
	rootCmd.PersistentFlags().Int64("max-download-size", 4*1024*1024*1024, "Max artifact size in bytes")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "Write metrics in textfile format on exit")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	for _, name := range []string{
		"home", "channel", "max-failed-boots", "retain-versions", "update-lock-ttl",
		"manifest-source", "manifest-url", "s3-bucket", "s3-region", "s3-prefix", "s3-endpoint",
		"public-keys", "allow-unsigned",
		"max-file-size", "max-total-size", "max-compression-ratio", "max-download-size",
		"log-level", "log-file", "metrics-textfile",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// setup loads and validates configuration and installs the logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	log, closeFn, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return errors.Wrap(err, "config invalid")
	}
	slog.SetDefault(log)
	closeLog = closeFn

	if err := metrics.Register(registry); err != nil {
		return errors.Wrap(err, "metrics registration failed")
	}
	return nil
}

func flushMetrics() {
	if cfg == nil || cfg.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.MetricsTextfile, registry); err != nil {
		slog.Warn("metrics_textfile_write_failed", "path", cfg.MetricsTextfile, "error", err)
	}
}
