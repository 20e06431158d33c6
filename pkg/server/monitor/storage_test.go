package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageMonitor_Usage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.vlog"), []byte("test data"), 0o644))

	sm := NewStorageMonitor(dir, nil)
	usage, err := sm.Usage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage, int64(9))

	status, err := sm.Status()
	require.NoError(t, err)
	assert.Equal(t, dir, status.DataDir)
	assert.NotEmpty(t, status.Used)
}

func TestStorageMonitor_Caching(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	sm := NewStorageMonitor(dir, clk)

	first, err := sm.Usage()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), make([]byte, 64*1024), 0o644))
	cached, err := sm.Usage()
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	clk.Add(11 * time.Second)
	fresh, err := sm.Usage()
	require.NoError(t, err)
	assert.Greater(t, fresh, first)
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", nil)
	_, err := sm.Usage()
	require.Error(t, err)
}
