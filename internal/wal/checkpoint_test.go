package wal

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "wal.log")
	payload := bytes.Repeat([]byte("log-record-bytes "), 200)
	require.NoError(t, os.WriteFile(logPath, payload, 0o644))

	upTo := int64(len(payload) / 2)
	require.NoError(t, ArchiveSegment(logPath, upTo))

	f, err := os.Open(logPath + ".lz4")
	require.NoError(t, err)
	defer f.Close()
	restored, err := io.ReadAll(lz4.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, payload[:upTo], restored)
}

func TestArchiveSegmentMissingLog(t *testing.T) {
	err := ArchiveSegment(filepath.Join(t.TempDir(), "absent.log"), 10)
	require.Error(t, err)
}
