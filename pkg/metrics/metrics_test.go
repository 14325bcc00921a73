package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second register is a no-op")

	IncLockConflict("update")
	IncRollback("crash_loop")
	SetFailedBootCount(2)

	path := filepath.Join(t.TempDir(), "textfile", "stagehand.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `stagehand_lock_conflicts_total{kind="update"} 1`), out)
	assert.True(t, strings.Contains(out, `stagehand_update_rollbacks_total{reason="crash_loop"} 1`), out)
	assert.True(t, strings.Contains(out, "stagehand_shim_failed_boot_count 2"), out)
}

func TestWriteTextfile_EmptyPathIsNoop(t *testing.T) {
	assert.NoError(t, WriteTextfile("", prometheus.NewRegistry()))
}
