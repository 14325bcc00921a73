// Package health carries the readiness handshake between the launch shim and
// the version it starts. The shim hands the child a ready file and a boot id
// through the environment; the child writes the boot id to that file once
// its own startup checks pass, and the shim watches for it.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fly-io/stagehand/pkg/atomicfile"
	"github.com/fly-io/stagehand/pkg/errors"
)

// Environment passed to a health-checked child.
const (
	EnvReadyFile = "STAGEHAND_READY_FILE"
	EnvBootID    = "STAGEHAND_BOOT_ID"
	EnvVersion   = "STAGEHAND_VERSION"
)

// ErrNotSupervised is returned by SignalReady outside a health-checked launch.
var ErrNotSupervised = errors.New("not launched for a health check")

// SignalReady reports the current process healthy to the shim that started
// it, reading the handshake from the process environment.
func SignalReady(ctx context.Context) error {
	return SignalReadyWith(ctx, os.Getenv)
}

// SignalReadyWith is SignalReady with an explicit environment lookup, for
// hosts that run a version in-process.
func SignalReadyWith(ctx context.Context, getenv func(string) string) error {
	path, bootID := getenv(EnvReadyFile), getenv(EnvBootID)
	if path == "" || bootID == "" {
		return ErrNotSupervised
	}
	if err := atomicfile.WriteFile(ctx, path, []byte(bootID+"\n"), 0600); err != nil {
		return errors.Wrap(err, "failed to write ready file")
	}
	slog.Info("ready_signalled", "boot_id", bootID, "version", getenv(EnvVersion))
	return nil
}

// Signal is the shim side of one health-checked boot.
type Signal struct {
	ReadyFile string
	BootID    string
	Version   string
}

// NewSignal allocates a boot id and a ready file under dir.
func NewSignal(dir, version string) (*Signal, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create run dir")
	}
	id := uuid.NewString()
	return &Signal{
		ReadyFile: filepath.Join(dir, "ready-"+id),
		BootID:    id,
		Version:   version,
	}, nil
}

// Env returns the variables the child needs to signal readiness.
func (s *Signal) Env() []string {
	return []string{
		fmt.Sprintf("%s=%s", EnvReadyFile, s.ReadyFile),
		fmt.Sprintf("%s=%s", EnvBootID, s.BootID),
		fmt.Sprintf("%s=%s", EnvVersion, s.Version),
	}
}

// Ready reports whether the ready file holds this boot's id.
func (s *Signal) Ready() bool {
	data, err := os.ReadFile(s.ReadyFile)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == s.BootID
}

// Cleanup removes the ready file if it exists
func (s *Signal) Cleanup() {
	if err := os.Remove(s.ReadyFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("ready_file_cleanup_failed", "path", s.ReadyFile, "error", err)
	}
}
