package wal

import (
	"bytes"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"emberdb/internal/dberr"
)

// ArchiveSegment lz4-compresses the log bytes in [0, upTo) read from the
// log file at logPath into logPath+".lz4", the checkpoint archival step:
// operators keep a compressed copy of everything recovery no longer needs
// to scan rather than discarding it outright.
func ArchiveSegment(logPath string, upTo int64) error {
	src, err := os.Open(logPath)
	if err != nil {
		return dberr.Wrap(dberr.UnixError, err, "opening %s for archival", logPath)
	}
	defer src.Close()

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := io.CopyN(zw, src, upTo); err != nil && err != io.EOF {
		return dberr.Wrap(dberr.UnixError, err, "compressing %s", logPath)
	}
	if err := zw.Close(); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "closing lz4 writer for %s", logPath)
	}

	if err := os.WriteFile(logPath+".lz4", compressed.Bytes(), 0644); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "writing archive for %s", logPath)
	}
	return nil
}
