package commands

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/internal/config"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/lock"
)

func TestExitCode(t *testing.T) {
	conflict := &lock.ConflictError{Kind: lock.KindUpdate, Holder: &lock.Record{Kind: lock.KindServe, HolderID: 7}}

	assert.Equal(t, exitConflict, exitCode(errors.Wrap(conflict, "apply failed")))
	assert.Equal(t, exitCrashLoop, exitCode(errors.Mark(errors.New("boom"), errors.ErrCrashLoop)))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
	assert.Equal(t, 42, exitCode(&codeError{code: 42}))
	assert.Equal(t, exitError, exitCode(&codeError{code: -1}))
}

func TestWithRetry_RetriesNetworkErrors(t *testing.T) {
	retryInterval = time.Millisecond
	t.Cleanup(func() { retryInterval = time.Second })

	calls := 0
	err := withRetry(context.Background(), "test", 2, func() error {
		calls++
		if calls < 2 {
			return errors.Mark(errors.New("connection refused"), errors.ErrNetwork)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", 5, func() error {
		calls++
		return fmt.Errorf("%w: bad signature", errors.ErrVerificationFailed)
	})
	assert.ErrorIs(t, err, errors.ErrVerificationFailed)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_NoRetries(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", 0, func() error {
		calls++
		return errors.Mark(errors.New("timeout"), errors.ErrNetwork)
	})
	assert.ErrorIs(t, err, errors.ErrNetwork)
	assert.Equal(t, 1, calls)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"install"}, {"init"}, {"check"}, {"apply"}, {"rollback"}, {"status"},
		{"channel"}, {"max-failed-boots"}, {"history"}, {"ready"},
		{"versions", "list"}, {"versions", "prune"}, {"versions", "cleanup"},
		{"lock", "acquire"}, {"lock", "release"}, {"lock", "renew"}, {"lock", "list"},
		{"lock", "check"}, {"lock", "reap"}, {"lock", "exec"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.NotNil(t, cmd.RunE, path)
	}
}

func TestRunApply_ConflictOpensNothing(t *testing.T) {
	home := t.TempDir()
	prev := cfg
	cfg = &config.Config{Home: home, FSMMaxRetries: 1}
	t.Cleanup(func() { cfg = prev })

	m, err := lock.NewManager(cfg.LocksDir())
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), lock.AcquireRequest{
		Kind: lock.KindServe, HolderID: os.Getppid(), TTL: time.Minute, Description: "serve",
	})
	require.NoError(t, err)

	err = runApply(applyCmd, nil)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.NoFileExists(t, cfg.JournalPath())
	assert.NoDirExists(t, cfg.FSMDBPath())
	assert.NoDirExists(t, cfg.VersionsDir())
}
