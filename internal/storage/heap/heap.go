// Package heap implements the record manager: fixed-width heap files with
// slotted data pages. Page 0 is a header page tracking
// record size, per-page capacity, first-free page, and total pages. Each
// data page carries a bitmap of occupied slots plus a fixed-size slot
// array; all records of a table share one fixed width.
package heap

import (
	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/types"
)

// Header fields, stored in page 0.
const (
	headerRecordSizeOff = 0
	headerCapacityOff   = 4
	headerFirstFreeOff  = 8
	headerTotalPagesOff = 12
)

// Manager is the heap file for one table.
type Manager struct {
	pool         *buffer.Pool
	fd           disk.FD
	pageSize     int
	recordSize   int
	capacity     int // records per data page
	bitmapBytes  int
}

// Create initializes a brand-new heap file's header page (page 0) for a
// table with the given fixed record width.
func Create(pool *buffer.Pool, fd disk.FD, pageSize, recordSize int) (*Manager, error) {
	m := newManager(pool, fd, pageSize, recordSize)

	idx, pn, err := pool.NewPage(fd)
	if err != nil {
		return nil, err
	}
	if pn != 0 {
		return nil, dberr.New(dberr.UnixError, "heap header page must be page 0, got %d", pn)
	}
	page := pool.Page(idx)
	putInt32(page, headerRecordSizeOff, int32(recordSize))
	putInt32(page, headerCapacityOff, int32(m.capacity))
	putInt32(page, headerFirstFreeOff, -1) // no data pages yet
	putInt32(page, headerTotalPagesOff, 1)
	if err := pool.UnpinPage(buffer.PageID{FD: fd, PageNo: 0}, true); err != nil {
		return nil, err
	}
	return m, nil
}

// Open attaches to an existing heap file, reading its header page.
func Open(pool *buffer.Pool, fd disk.FD, pageSize int) (*Manager, error) {
	idx, err := pool.FetchPage(buffer.PageID{FD: fd, PageNo: 0})
	if err != nil {
		return nil, err
	}
	page := pool.Page(idx)
	recordSize := int(getInt32(page, headerRecordSizeOff))
	if err := pool.UnpinPage(buffer.PageID{FD: fd, PageNo: 0}, false); err != nil {
		return nil, err
	}
	return newManager(pool, fd, pageSize, recordSize), nil
}

func newManager(pool *buffer.Pool, fd disk.FD, pageSize, recordSize int) *Manager {
	usable := pageSize - disk.TrailerSize
	// capacity c must satisfy: ceil(c/8) + c*recordSize <= usable.
	c := (usable * 8) / (8*recordSize + 1)
	for (c+7)/8+c*recordSize > usable {
		c--
	}
	return &Manager{
		pool:        pool,
		fd:          fd,
		pageSize:    pageSize,
		recordSize:  recordSize,
		capacity:    c,
		bitmapBytes: (c + 7) / 8,
	}
}

func (m *Manager) slotOffset(slot int32) int {
	return m.bitmapBytes + int(slot)*m.recordSize
}

func (m *Manager) header(idx int) (recordSize, capacity, firstFree, totalPages int32) {
	page := m.pool.Page(idx)
	return getInt32(page, headerRecordSizeOff), getInt32(page, headerCapacityOff),
		getInt32(page, headerFirstFreeOff), getInt32(page, headerTotalPagesOff)
}

func (m *Manager) bitSet(page []byte, slot int32) bool {
	return page[slot/8]&(1<<uint(slot%8)) != 0
}

func (m *Manager) setBit(page []byte, slot int32, v bool) {
	if v {
		page[slot/8] |= 1 << uint(slot%8)
	} else {
		page[slot/8] &^= 1 << uint(slot%8)
	}
}

func (m *Manager) firstFreeSlot(page []byte) int32 {
	for s := int32(0); s < int32(m.capacity); s++ {
		if !m.bitSet(page, s) {
			return s
		}
	}
	return -1
}

// Insert finds the first page with a free slot, writes record, and
// returns its RID.
func (m *Manager) Insert(record []byte) (types.RID, error) {
	if len(record) != m.recordSize {
		return types.RID{}, dberr.New(dberr.InvalidValueCount, "record width %d does not match heap record size %d", len(record), m.recordSize)
	}

	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return types.RID{}, err
	}
	_, _, firstFree, totalPages := m.header(hidx)

	pn := firstFree
	if pn < 0 {
		// No known page with free space; allocate a new data page.
		didx, newPn, err := m.pool.NewPage(m.fd)
		if err != nil {
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, false)
			return types.RID{}, err
		}
		if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: newPn}, true); err != nil {
			return types.RID{}, err
		}
		_ = didx
		pn = newPn
		page := m.pool.Page(hidx)
		putInt32(page, headerFirstFreeOff, pn)
		putInt32(page, headerTotalPagesOff, totalPages+1)
	}
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, pn != firstFree); err != nil {
		return types.RID{}, err
	}

	didx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return types.RID{}, err
	}
	page := m.pool.Page(didx)
	slot := m.firstFreeSlot(page)
	if slot < 0 {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
		return types.RID{}, dberr.New(dberr.UnixError, "heap page %d reported free but has no open slot", pn)
	}
	m.setBit(page, slot, true)
	copy(page[m.slotOffset(slot):m.slotOffset(slot)+m.recordSize], record)

	stillHasRoom := m.firstFreeSlot(page) >= 0
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true); err != nil {
		return types.RID{}, err
	}
	if !stillHasRoom {
		if err := m.clearFirstFreeIfEqual(pn); err != nil {
			return types.RID{}, err
		}
	}
	return types.RID{PageNo: pn, Slot: slot}, nil
}

func (m *Manager) clearFirstFreeIfEqual(pn int32) error {
	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	page := m.pool.Page(hidx)
	if getInt32(page, headerFirstFreeOff) == pn {
		putInt32(page, headerFirstFreeOff, -1)
	}
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

// Get returns a copy of the record at rid.
func (m *Manager) Get(rid types.RID) ([]byte, error) {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo})
	if err != nil {
		return nil, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo}, false)
	page := m.pool.Page(idx)
	if !m.bitSet(page, rid.Slot) {
		return nil, dberr.New(dberr.IndexEntryNotFound, "rid %v is not occupied", rid)
	}
	out := make([]byte, m.recordSize)
	copy(out, page[m.slotOffset(rid.Slot):m.slotOffset(rid.Slot)+m.recordSize])
	return out, nil
}

// Delete clears rid's occupied bit.
func (m *Manager) Delete(rid types.RID) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo})
	if err != nil {
		return err
	}
	page := m.pool.Page(idx)
	if !m.bitSet(page, rid.Slot) {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo}, false)
		return dberr.New(dberr.IndexEntryNotFound, "rid %v is not occupied", rid)
	}
	m.setBit(page, rid.Slot, false)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo}, true); err != nil {
		return err
	}
	return m.markPageHasFreeSlot(rid.PageNo)
}

func (m *Manager) markPageHasFreeSlot(pn int32) error {
	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	page := m.pool.Page(hidx)
	if ff := getInt32(page, headerFirstFreeOff); ff < 0 || pn < ff {
		putInt32(page, headerFirstFreeOff, pn)
	}
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

// Update overwrites the record bytes at rid in place.
func (m *Manager) Update(rid types.RID, record []byte) error {
	if len(record) != m.recordSize {
		return dberr.New(dberr.InvalidValueCount, "record width %d does not match heap record size %d", len(record), m.recordSize)
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo})
	if err != nil {
		return err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo}, true)
	page := m.pool.Page(idx)
	if !m.bitSet(page, rid.Slot) {
		return dberr.New(dberr.IndexEntryNotFound, "rid %v is not occupied", rid)
	}
	copy(page[m.slotOffset(rid.Slot):m.slotOffset(rid.Slot)+m.recordSize], record)
	return nil
}

// StampPageLSN sets the page-LSN of the page holding pn after the
// transaction manager has logged the record describing its mutation,
// upholding the WAL-ordering rule that no dirty page precedes its log
// record to disk.
func (m *Manager) StampPageLSN(pn int32, lsn uint64) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return err
	}
	m.pool.SetPageLSN(idx, lsn)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true)
}

// Restore reinstates record at rid unconditionally, occupied bit included,
// used by transaction abort to reinsert a deleted image at its original
// slot (unlike Insert, which picks the first free slot).
func (m *Manager) Restore(rid types.RID, record []byte) error {
	if len(record) != m.recordSize {
		return dberr.New(dberr.InvalidValueCount, "record width %d does not match heap record size %d", len(record), m.recordSize)
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo})
	if err != nil {
		return err
	}
	page := m.pool.Page(idx)
	m.setBit(page, rid.Slot, true)
	copy(page[m.slotOffset(rid.Slot):m.slotOffset(rid.Slot)+m.recordSize], record)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rid.PageNo}, true)
}

// ApplyPut and ApplyClear mutate already-pinned page bytes using this
// heap's slot layout; the catalog's wal.PageApplier dispatches recovery
// records here so the log manager never learns the bitmap geometry.
func (m *Manager) ApplyPut(page []byte, slot int32, record []byte) error {
	m.setBit(page, slot, true)
	copy(page[m.slotOffset(slot):m.slotOffset(slot)+m.recordSize], record)
	return nil
}

func (m *Manager) ApplyClear(page []byte, slot int32) error {
	m.setBit(page, slot, false)
	return nil
}

// SyncHeader rewrites the header page after crash recovery: totalPages
// comes from the file's actual page count (the buffered header update may
// have been lost with the crash), and first-free resets to "none known",
// which only costs the next insert a fresh page allocation.
func (m *Manager) SyncHeader(totalPages int32) error {
	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	page := m.pool.Page(hidx)
	putInt32(page, headerTotalPagesOff, totalPages)
	putInt32(page, headerFirstFreeOff, -1)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

// Scanner walks a heap sequentially, retaining the current page's pin
// across Next so the caller does not re-pin it on every slot.
type Scanner struct {
	m        *Manager
	curPage  int32
	curSlot  int32
	pageIdx  int
	pinned   bool
	totalPgs int32
	done     bool
}

// NewScanner begins a sequential scan from page 1 (page 0 is the header).
func (m *Manager) NewScanner() (*Scanner, error) {
	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return nil, err
	}
	_, _, _, total := m.header(hidx)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, false); err != nil {
		return nil, err
	}
	s := &Scanner{m: m, curPage: 1, curSlot: -1, totalPgs: total}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return s, nil
}

// advance moves to the next occupied slot, crossing page boundaries and
// re-pinning only when it steps onto a new page.
func (s *Scanner) advance() error {
	for s.curPage < s.totalPgs {
		if !s.pinned {
			idx, err := s.m.pool.FetchPage(buffer.PageID{FD: s.m.fd, PageNo: s.curPage})
			if err != nil {
				return err
			}
			s.pageIdx = idx
			s.pinned = true
		}
		page := s.m.pool.Page(s.pageIdx)
		for slot := s.curSlot + 1; slot < int32(s.m.capacity); slot++ {
			if s.m.bitSet(page, slot) {
				s.curSlot = slot
				return nil
			}
		}
		if err := s.m.pool.UnpinPage(buffer.PageID{FD: s.m.fd, PageNo: s.curPage}, false); err != nil {
			return err
		}
		s.pinned = false
		s.curPage++
		s.curSlot = -1
	}
	s.done = true
	return nil
}

func (s *Scanner) IsEnd() bool { return s.done }

func (s *Scanner) Next() error {
	if s.done {
		return nil
	}
	s.curSlot++
	return s.advanceFromCurrent()
}

// advanceFromCurrent resumes scanning from the already-set curSlot
// (distinct from advance's post-construction entry which starts at -1).
func (s *Scanner) advanceFromCurrent() error {
	for s.curPage < s.totalPgs {
		if !s.pinned {
			idx, err := s.m.pool.FetchPage(buffer.PageID{FD: s.m.fd, PageNo: s.curPage})
			if err != nil {
				return err
			}
			s.pageIdx = idx
			s.pinned = true
		}
		page := s.m.pool.Page(s.pageIdx)
		for slot := s.curSlot; slot < int32(s.m.capacity); slot++ {
			if s.m.bitSet(page, slot) {
				s.curSlot = slot
				return nil
			}
		}
		if err := s.m.pool.UnpinPage(buffer.PageID{FD: s.m.fd, PageNo: s.curPage}, false); err != nil {
			return err
		}
		s.pinned = false
		s.curPage++
		s.curSlot = 0
	}
	s.done = true
	return nil
}

func (s *Scanner) Current() (types.RID, []byte, error) {
	if s.done {
		return types.RID{}, nil, dberr.New(dberr.IndexEntryNotFound, "scan exhausted")
	}
	page := s.m.pool.Page(s.pageIdx)
	out := make([]byte, s.m.recordSize)
	copy(out, page[s.m.slotOffset(s.curSlot):s.m.slotOffset(s.curSlot)+s.m.recordSize])
	return types.RID{PageNo: s.curPage, Slot: s.curSlot}, out, nil
}

func (s *Scanner) Close() error {
	if s.pinned {
		s.pinned = false
		return s.m.pool.UnpinPage(buffer.PageID{FD: s.m.fd, PageNo: s.curPage}, false)
	}
	return nil
}

func putInt32(buf []byte, off int, v int32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func getInt32(buf []byte, off int) int32 {
	return int32(buf[off]) | int32(buf[off+1])<<8 | int32(buf[off+2])<<16 | int32(buf[off+3])<<24
}
