package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/pkg/db"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/state"
)

func TestPrune(t *testing.T) {
	h := newHarness(t, seeded(state.StatusIdle))
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "1.1.0", "1.3.0"} {
		stageVersion(t, h.store, v)
	}
	_, err := state.Update(ctx, h.state, func(rec *state.Record) error {
		rec.LastGoodVersion = "1.0.0"
		return nil
	})
	require.NoError(t, err)

	removed, err := h.c.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.0"}, removed)
	assert.True(t, h.store.Exists("1.0.0"), "last good version is kept")
	assert.True(t, h.store.Exists("1.2.0"), "current version is kept")
	assert.True(t, h.store.Exists("1.3.0"))
	h.assertUpdateLockFree(t)
}

func TestPrune_ConflictRemovesNothing(t *testing.T) {
	h := newHarness(t, seeded(state.StatusIdle))
	stageVersion(t, h.store, "1.0.0")
	h.holdServe(t)

	_, err := h.c.Prune(context.Background(), 1)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.True(t, h.store.Exists("1.0.0"))
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, seeded(state.StatusIdle))
	ctx := context.Background()

	residue := filepath.Join(h.store.Root(), ".tmp-interrupted")
	require.NoError(t, os.MkdirAll(residue, 0755))
	require.NoError(t, h.journal.Create(&db.Release{Version: "1.2.0", Channel: "stable", Status: db.StatusActive}))
	require.NoError(t, h.journal.Create(&db.Release{Version: "1.1.0", Channel: "stable", Status: db.StatusFailed}))

	res, err := h.c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".tmp-interrupted"}, res.TempDirs)
	assert.Equal(t, []string{"1.1.0"}, res.Releases)
	assert.NoDirExists(t, residue)

	rel, err := h.journal.GetByVersion("1.2.0")
	require.NoError(t, err)
	assert.NotNil(t, rel)
	h.assertUpdateLockFree(t)
}
