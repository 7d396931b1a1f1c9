package resultstream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/config"
)

func TestFramedTable(t *testing.T) {
	var sb strings.Builder
	s := New(&sb, config.NewCfg(), t.TempDir())

	require.NoError(t, s.BeginTable([]string{"id", "note"}))
	require.NoError(t, s.Row([]string{"1", "alpha"}))
	require.NoError(t, s.Row([]string{"2", "beta"}))
	require.NoError(t, s.EndTable(2))

	out := sb.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "+"))
	assert.Contains(t, lines[1], "| id")
	assert.Contains(t, lines[1], "| note")
	assert.Equal(t, lines[0], lines[2])
	assert.Contains(t, lines[3], "| 1")
	assert.Equal(t, lines[0], lines[5])
	assert.Equal(t, "Total record(s): 2", lines[6])
}

func TestMirrorToOutputFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewCfg()
	cfg.SetOutputFileEnabled(true)

	var sb strings.Builder
	s := New(&sb, cfg, dir)
	require.NoError(t, s.Failure())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "failure\n", string(data))
	assert.Equal(t, "failure\n", sb.String())
}

func TestMirrorDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	s := New(&sb, config.NewCfg(), dir)
	require.NoError(t, s.Text("HELP\n"))
	require.NoError(t, s.Close())

	_, err := os.Stat(filepath.Join(dir, "output.txt"))
	assert.True(t, os.IsNotExist(err))
}
