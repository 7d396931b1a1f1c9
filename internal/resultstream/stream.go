// Package resultstream renders the framed text result stream: a header
// separator, pipe-delimited column names, a separator,
// pipe-delimited data rows, a closing separator, and a trailing row count,
// mirrored to output.txt when the output-file toggle is on.
package resultstream

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"emberdb/internal/config"
	"emberdb/internal/dberr"
)

const minColumnWidth = 8

// Stream writes framed result tables to out and, when enabled, appends the
// same bytes to <dir>/output.txt.
type Stream struct {
	mu     sync.Mutex
	out    io.Writer
	cfg    *config.Cfg
	path   string
	mirror *os.File

	widths []int
}

// New builds a stream writing to out, mirroring into dir/output.txt when
// cfg's output-file toggle is enabled at write time.
func New(out io.Writer, cfg *config.Cfg, dir string) *Stream {
	return &Stream{out: out, cfg: cfg, path: filepath.Join(dir, "output.txt")}
}

func (s *Stream) write(text string) error {
	if _, err := io.WriteString(s.out, text); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "writing result stream")
	}
	if s.cfg == nil || !s.cfg.OutputFileEnabled() {
		return nil
	}
	if s.mirror == nil {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return dberr.Wrap(dberr.UnixError, err, "opening %s", s.path)
		}
		s.mirror = f
	}
	if _, err := s.mirror.WriteString(text); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "mirroring to %s", s.path)
	}
	return nil
}

func (s *Stream) separator() string {
	var b strings.Builder
	for _, w := range s.widths {
		b.WriteByte('+')
		b.WriteString(strings.Repeat("-", w+2))
	}
	b.WriteString("+\n")
	return b.String()
}

func (s *Stream) record(values []string) string {
	var b strings.Builder
	for i, v := range values {
		w := minColumnWidth
		if i < len(s.widths) {
			w = s.widths[i]
		}
		fmt.Fprintf(&b, "| %-*s ", w, v)
	}
	b.WriteString("|\n")
	return b.String()
}

// BeginTable emits the header frame and fixes each column's pad width for
// the rows that follow.
func (s *Stream) BeginTable(cols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.widths = make([]int, len(cols))
	for i, c := range cols {
		s.widths[i] = minColumnWidth
		if len(c) > s.widths[i] {
			s.widths[i] = len(c)
		}
	}
	if err := s.write(s.separator()); err != nil {
		return err
	}
	if err := s.write(s.record(cols)); err != nil {
		return err
	}
	return s.write(s.separator())
}

// Row emits one pipe-delimited data row.
func (s *Stream) Row(values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.record(values))
}

// EndTable emits the closing separator and the trailing row count.
func (s *Stream) EndTable(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(s.separator()); err != nil {
		return err
	}
	return s.write(fmt.Sprintf("Total record(s): %d\n", count))
}

// Failure reports a user-visible statement failure (duplicate key on
// insert/update) without aborting the transaction.
func (s *Stream) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("failure\n")
}

// Text emits a raw line, for HELP and SET acknowledgements.
func (s *Stream) Text(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(line)
}

// Close closes the output.txt mirror if it was opened.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirror != nil {
		err := s.mirror.Close()
		s.mirror = nil
		if err != nil {
			return dberr.Wrap(dberr.UnixError, err, "closing %s", s.path)
		}
	}
	return nil
}
