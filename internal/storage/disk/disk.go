// Package disk implements the disk manager: file create/open/close,
// fixed-size page and log byte I/O, and page-number allocation. All I/O is
// synchronous and positional; each open file serialises through its own
// mutex.
package disk

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"

	"emberdb/internal/dberr"
)

// FD identifies an open file: a handle distinct from the OS file
// descriptor, stable across the file's lifetime.
type FD int32

// ChecksumSize is the trailing xxhash64 footer every page carries.
// PageLSNSize precedes it: the buffer pool persists each
// page's page-LSN there so redo can compare a log record against the
// on-disk state after a restart. Callers that lay out page contents must
// leave TrailerSize bytes free at the end of the buffer.
const (
	ChecksumSize = 8
	PageLSNSize  = 8
	TrailerSize  = ChecksumSize + PageLSNSize
)

const checksumSize = ChecksumSize

// file is one open file's state: the OS handle, its own mutex (all I/O on
// one fd serialises through it), and the next page number to allocate.
type file struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextPage int32
	logSize  int64
}

// Manager owns the fd table. All page and log I/O is synchronous and
// positional; short reads/writes are retried internally, so any error
// returned here is fatal to the caller.
type Manager struct {
	mu       sync.Mutex
	files    map[FD]*file
	nextFD   int32
	pageSize int
}

func NewManager(pageSize int) *Manager {
	return &Manager{
		files:    make(map[FD]*file),
		pageSize: pageSize,
	}
}

// CreateFile creates a new backing file; fails if one already exists at
// path.
func (m *Manager) CreateFile(path string) (FD, error) {
	if _, err := os.Stat(path); err == nil {
		return 0, dberr.New(dberr.FileExists, "file %s already exists", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return 0, dberr.Wrap(dberr.UnixError, err, "creating file %s", path)
	}
	return m.register(path, f), nil
}

// OpenFile opens an existing file; fails if it's already open through
// this manager.
func (m *Manager) OpenFile(path string) (FD, error) {
	m.mu.Lock()
	for _, fl := range m.files {
		if fl.path == path {
			m.mu.Unlock()
			return 0, dberr.New(dberr.FileNotClosed, "file %s is already open", path)
		}
	}
	m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, dberr.New(dberr.FileNotFound, "file %s does not exist", path)
		}
		return 0, dberr.Wrap(dberr.UnixError, err, "opening file %s", path)
	}
	fd := m.register(path, f)
	fl := m.files[fd]
	fl.nextPage = m.computeNextPage(f)
	if info, statErr := f.Stat(); statErr == nil {
		fl.logSize = info.Size()
	}
	return fd, nil
}

func (m *Manager) register(path string, f *os.File) FD {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFD++
	fd := FD(m.nextFD)
	m.files[fd] = &file{f: f, path: path, pageSize: m.pageSize}
	return fd
}

func (m *Manager) computeNextPage(f *os.File) int32 {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return 0
	}
	return int32(info.Size() / int64(m.pageSize))
}

// CloseFile closes fd. The underlying OS file is closed but not removed.
func (m *Manager) CloseFile(fd FD) error {
	m.mu.Lock()
	fl, ok := m.files[fd]
	if !ok {
		m.mu.Unlock()
		return dberr.New(dberr.FileNotOpen, "fd %d is not open", fd)
	}
	delete(m.files, fd)
	m.mu.Unlock()

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := fl.f.Close(); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "closing fd %d", fd)
	}
	return nil
}

// DestroyFile removes the file at path; fails if it is still open.
func (m *Manager) DestroyFile(path string) error {
	m.mu.Lock()
	for _, fl := range m.files {
		if fl.path == path {
			m.mu.Unlock()
			return dberr.New(dberr.FileNotClosed, "file %s is still open", path)
		}
	}
	m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return dberr.New(dberr.FileNotFound, "file %s does not exist", path)
		}
		return dberr.Wrap(dberr.UnixError, err, "destroying file %s", path)
	}
	return nil
}

func (m *Manager) lookup(fd FD) (*file, error) {
	m.mu.Lock()
	fl, ok := m.files[fd]
	m.mu.Unlock()
	if !ok {
		return nil, dberr.New(dberr.FileNotOpen, "fd %d is not open", fd)
	}
	return fl, nil
}

// AllocatePage returns the next monotonically increasing page number for
// fd.
func (m *Manager) AllocatePage(fd FD) (int32, error) {
	fl, err := m.lookup(fd)
	if err != nil {
		return 0, err
	}
	return atomic.AddInt32(&fl.nextPage, 1) - 1, nil
}

// PageCount returns how many pages fd currently holds, derived from the
// allocation counter. Recovery uses it to repair a heap header whose
// buffered updates were lost in a crash.
func (m *Manager) PageCount(fd FD) (int32, error) {
	fl, err := m.lookup(fd)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt32(&fl.nextPage), nil
}

// ReadPage reads page pn of fd into buf (len(buf) == page size) and
// validates its trailing checksum.
func (m *Manager) ReadPage(fd FD, pn int32, buf []byte) error {
	fl, err := m.lookup(fd)
	if err != nil {
		return err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	body := buf[:len(buf)-checksumSize]
	stored := buf[len(buf)-checksumSize:]
	off := int64(pn) * int64(fl.pageSize)
	if err := readFullAt(fl.f, buf, off); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "reading page %d of fd %d", pn, fd)
	}
	want := xxhash.Checksum64(body)
	got := decodeChecksum(stored)
	if got != want {
		return dberr.New(dberr.UnixError, "checksum mismatch on page %d of fd %d: torn write", pn, fd)
	}
	return nil
}

// WritePage writes buf (the page body; the checksum is appended here) to
// page pn of fd.
func (m *Manager) WritePage(fd FD, pn int32, buf []byte) error {
	fl, err := m.lookup(fd)
	if err != nil {
		return err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	body := buf[:len(buf)-checksumSize]
	sum := xxhash.Checksum64(body)
	encodeChecksum(buf[len(buf)-checksumSize:], sum)

	off := int64(pn) * int64(fl.pageSize)
	if err := writeFullAt(fl.f, buf, off); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "writing page %d of fd %d", pn, fd)
	}
	return nil
}

// LogSize returns the current length of the log file fd, the exclusive
// upper bound recovery scans up to.
func (m *Manager) LogSize(fd FD) (int64, error) {
	fl, err := m.lookup(fd)
	if err != nil {
		return 0, err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.logSize, nil
}

// ReadLog reads size bytes of the log file fd at offset into buf.
func (m *Manager) ReadLog(fd FD, buf []byte, offset int64) error {
	fl, err := m.lookup(fd)
	if err != nil {
		return err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := readFullAt(fl.f, buf, offset); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "reading log fd %d at offset %d", fd, offset)
	}
	return nil
}

// WriteLog appends buf to the log file fd, returning the offset it was
// written at.
func (m *Manager) WriteLog(fd FD, buf []byte) (int64, error) {
	fl, err := m.lookup(fd)
	if err != nil {
		return 0, err
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	off := fl.logSize
	if err := writeFullAt(fl.f, buf, off); err != nil {
		return 0, dberr.Wrap(dberr.UnixError, err, "appending log fd %d", fd)
	}
	fl.logSize += int64(len(buf))
	return off, nil
}

func decodeChecksum(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func encodeChecksum(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func readFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

func writeFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
