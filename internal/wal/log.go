package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"emberdb/internal/logging"
	"emberdb/internal/storage/disk"
)

var logLog = logging.For("wal")

// LogManager owns the two equal-size byte buffers (active/flush) and the
// background flusher that drains them. Append copies a record
// into the active buffer; when it would overflow, the appender blocks on
// a condition variable until the flusher makes room.
type LogManager struct {
	disk *disk.Manager
	fd   disk.FD

	mu         sync.Mutex
	cond       *sync.Cond
	active     []byte
	flushSize  int
	nextLSN    uint64 // next LSN to assign
	persistent uint64 // highest LSN known durable
	flushOff   int64  // next write offset into the log file

	flushNeeded bool
	closed      bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewLogManager creates a log manager over an already-open log file fd,
// with startLSN/startOffset set from a prior recovery scan (1/0 for a
// fresh database).
func NewLogManager(dm *disk.Manager, fd disk.FD, bufferSize int, startLSN uint64, startOffset int64) *LogManager {
	lm := &LogManager{
		disk:       dm,
		fd:         fd,
		flushSize:  bufferSize,
		nextLSN:    startLSN,
		persistent: startLSN - 1,
		flushOff:   startOffset,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	lm.cond = sync.NewCond(&lm.mu)
	go lm.backgroundFlush()
	return lm
}

// Append assigns LSN lsn to rec, serialises it, and copies it into the
// active buffer, blocking if the buffer is full until the flusher frees
// space. Returns the assigned LSN.
func (lm *LogManager) Append(rec Record) (uint64, error) {
	lm.mu.Lock()
	lsn := lm.nextLSN
	lm.nextLSN++
	lm.mu.Unlock()

	rec.LSN = lsn
	buf := rec.Encode()

	lm.mu.Lock()
	for len(lm.active)+len(buf) > lm.flushSize {
		lm.flushNeeded = true
		lm.cond.Signal()
		lm.cond.Wait()
	}
	lm.active = append(lm.active, buf...)
	lm.mu.Unlock()
	return lsn, nil
}

// ForceFlush sets the flush-needed flag, wakes the flusher, and spins
// until persistent-LSN >= lsn.
func (lm *LogManager) ForceFlush(lsn uint64) error {
	if lsn == 0 {
		return nil
	}
	lm.mu.Lock()
	lm.flushNeeded = true
	lm.cond.Signal()
	lm.mu.Unlock()

	for atomic.LoadUint64(&lm.persistent) < lsn {
		time.Sleep(200 * time.Microsecond)
	}
	return nil
}

// PersistentLSN returns the highest LSN known durable.
func (lm *LogManager) PersistentLSN() uint64 {
	return atomic.LoadUint64(&lm.persistent)
}

func (lm *LogManager) backgroundFlush() {
	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()
	defer close(lm.doneCh)
	for {
		select {
		case <-lm.stopCh:
			lm.flushLocked()
			return
		case <-ticker.C:
			lm.flushLocked()
		}
	}
}

func (lm *LogManager) flushLocked() {
	lm.mu.Lock()
	if len(lm.active) == 0 {
		lm.flushNeeded = false
		lm.cond.Broadcast()
		lm.mu.Unlock()
		return
	}
	toFlush := lm.active
	lm.active = make([]byte, 0, lm.flushSize)
	highest := highestLSNIn(toFlush)
	offset := lm.flushOff
	lm.flushOff += int64(len(toFlush))
	lm.mu.Unlock()

	if _, err := lm.disk.WriteLog(lm.fd, toFlush); err != nil {
		logLog.Errorf("log flush failed at offset %d: %v", offset, err)
		lm.mu.Lock()
		lm.flushNeeded = false
		lm.cond.Broadcast()
		lm.mu.Unlock()
		return
	}

	if highest > atomic.LoadUint64(&lm.persistent) {
		atomic.StoreUint64(&lm.persistent, highest)
	}
	lm.mu.Lock()
	lm.flushNeeded = false
	lm.cond.Broadcast()
	lm.mu.Unlock()
}

func highestLSNIn(buf []byte) uint64 {
	var highest uint64
	off := 0
	for off+headerSize <= len(buf) {
		total := int(leUint32(buf[off+1 : off+5]))
		lsn := uint64(leUint32(buf[off+5 : off+9]))
		if lsn > highest {
			highest = lsn
		}
		if total <= 0 {
			break
		}
		off += total
	}
	return highest
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Close flushes any buffered records and stops the background flusher.
func (lm *LogManager) Close() error {
	lm.stopOnce.Do(func() {
		close(lm.stopCh)
		<-lm.doneCh
	})
	return nil
}
