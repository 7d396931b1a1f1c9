package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCfgDefaults(t *testing.T) {
	c := NewCfg()
	assert.Equal(t, DefaultPageSize, c.PageSize)
	assert.Equal(t, DefaultPartitionCount, c.PartitionCount)
	assert.True(t, c.LoggingEnabled())
	assert.False(t, c.OutputFileEnabled())
}

func TestLoadOverlaysTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emberdb.toml")
	body := "page_size = 8192\ndata_dir = \"/tmp/emberdb\"\nlog_level = \"debug\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c := NewCfg()
	require.NoError(t, c.Load(path))
	assert.Equal(t, 8192, c.PageSize)
	assert.Equal(t, "/tmp/emberdb", c.DataDir)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, DefaultPartitionCount, c.PartitionCount)
}

func TestRuntimeTogglesAreIndependent(t *testing.T) {
	c := NewCfg()
	c.SetOutputFileEnabled(true)
	assert.True(t, c.OutputFileEnabled())
	assert.True(t, c.LoggingEnabled())
	c.SetLoggingEnabled(false)
	assert.False(t, c.LoggingEnabled())
	assert.True(t, c.OutputFileEnabled())
}
