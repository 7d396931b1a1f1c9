package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/dberr"
)

const testPageSize = 128

func TestCreateOpenCloseDestroy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.heap")
	m := NewManager(testPageSize)

	fd, err := m.CreateFile(path)
	require.NoError(t, err)

	_, err = m.CreateFile(path)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.FileExists))

	require.NoError(t, m.CloseFile(fd))

	_, err = m.OpenFile(path)
	require.NoError(t, err)

	err = m.DestroyFile(path)
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.FileNotClosed))
}

func TestPageWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.heap")
	m := NewManager(testPageSize)
	fd, err := m.CreateFile(path)
	require.NoError(t, err)

	pn, err := m.AllocatePage(fd)
	require.NoError(t, err)
	assert.Equal(t, int32(0), pn)

	buf := make([]byte, testPageSize)
	copy(buf, []byte("hello world"))
	require.NoError(t, m.WritePage(fd, pn, buf))

	got := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(fd, pn, got))
	assert.Equal(t, buf, got)
}

func TestReadPageDetectsTornWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.heap")
	m := NewManager(testPageSize)
	fd, err := m.CreateFile(path)
	require.NoError(t, err)
	pn, err := m.AllocatePage(fd)
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	require.NoError(t, m.WritePage(fd, pn, buf))

	// Directly mutate on-disk bytes after the checksum was written so the
	// stored sum no longer matches the body.
	raw := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(fd, pn, raw))
	raw[0] ^= 0xFF
	rawFile := m.files[fd]
	rawFile.mu.Lock()
	_, werr := rawFile.f.WriteAt(raw[:len(raw)-checksumSize], int64(pn)*int64(testPageSize))
	rawFile.mu.Unlock()
	require.NoError(t, werr)

	err = m.ReadPage(fd, pn, make([]byte, testPageSize))
	require.Error(t, err)
}

func TestAllocatePageMonotonic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.heap")
	m := NewManager(testPageSize)
	fd, err := m.CreateFile(path)
	require.NoError(t, err)

	a, _ := m.AllocatePage(fd)
	b, _ := m.AllocatePage(fd)
	c, _ := m.AllocatePage(fd)
	assert.Equal(t, []int32{0, 1, 2}, []int32{a, b, c})
}

func TestLogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	m := NewManager(testPageSize)
	fd, err := m.CreateFile(path)
	require.NoError(t, err)

	off1, err := m.WriteLog(fd, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off1)

	off2, err := m.WriteLog(fd, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), off2)

	buf := make([]byte, 5)
	require.NoError(t, m.ReadLog(fd, buf, 0))
	assert.Equal(t, "first", string(buf))
}
