// Package index implements the B+tree index manager: an ordered,
// disk-resident index keyed by the concatenation of one or more indexed
// columns, with concurrent insert/delete and point/range lookup over a
// packed key/RID node layout. Per-node latch coupling is approximated by a
// single global root latch: rootLatch is held (read for search, write for
// structural change) for the whole operation.
package index

import (
	"sync"

	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/types"
)

// Key is the packed concatenation of a row's indexed-column bytes.
type Key []byte

// DuplicateLeaf is returned by InsertEntry in place of a leaf page number
// when the key already exists: the insert is rejected, not an error.
const DuplicateLeaf int32 = -1

// Header fields of page 0.
const (
	hdrRootOff     = 0
	hdrKeyLenOff   = 4
	hdrRightmostOff = 8
)

// Node header fields, within every page >= 1.
const (
	nodeIsLeafOff = 0
	nodeCountOff  = 1
	nodeParentOff = 5
	nodePrevOff   = 9
	nodeNextOff   = 13
	nodeHeaderLen = 17
)

const ridWidth = 8 // pageNo(4) + slot(4), reused for an internal node's child pointer

// Manager is the B+tree index for one (table, column-list) index.
type Manager struct {
	pool     *buffer.Pool
	fd       disk.FD
	pageSize int
	columns  []types.Column // indexed columns, in key order
	keyLen   int
	maxEnt   int32
	minEnt   int32

	rootLatch sync.RWMutex
}

// Create initializes a brand-new index file: header page 0 plus an empty
// root leaf at page 1.
func Create(pool *buffer.Pool, fd disk.FD, pageSize int, columns []types.Column) (*Manager, error) {
	m := newManager(pool, fd, pageSize, columns)

	hidx, hpn, err := pool.NewPage(fd)
	if err != nil {
		return nil, err
	}
	if hpn != 0 {
		return nil, dberr.New(dberr.UnixError, "index header page must be page 0, got %d", hpn)
	}
	ridx, rpn, err := pool.NewPage(fd)
	if err != nil {
		return nil, err
	}
	initNode(pool.Page(ridx), true, -1, -1, -1)
	if err := pool.UnpinPage(buffer.PageID{FD: fd, PageNo: rpn}, true); err != nil {
		return nil, err
	}

	hpage := pool.Page(hidx)
	putInt32(hpage, hdrRootOff, rpn)
	putInt32(hpage, hdrKeyLenOff, int32(m.keyLen))
	putInt32(hpage, hdrRightmostOff, rpn)
	if err := pool.UnpinPage(buffer.PageID{FD: fd, PageNo: 0}, true); err != nil {
		return nil, err
	}
	return m, nil
}

// Open attaches to an existing index file.
func Open(pool *buffer.Pool, fd disk.FD, pageSize int, columns []types.Column) (*Manager, error) {
	m := newManager(pool, fd, pageSize, columns)
	idx, err := pool.FetchPage(buffer.PageID{FD: fd, PageNo: 0})
	if err != nil {
		return nil, err
	}
	page := pool.Page(idx)
	stored := int(getInt32(page, hdrKeyLenOff))
	if err := pool.UnpinPage(buffer.PageID{FD: fd, PageNo: 0}, false); err != nil {
		return nil, err
	}
	if stored != m.keyLen {
		return nil, dberr.New(dberr.UnixError, "index key length mismatch: file has %d, schema wants %d", stored, m.keyLen)
	}
	return m, nil
}

func newManager(pool *buffer.Pool, fd disk.FD, pageSize int, columns []types.Column) *Manager {
	keyLen := 0
	for _, c := range columns {
		keyLen += c.Width()
	}
	usable := pageSize - disk.TrailerSize - nodeHeaderLen
	maxEnt := int32(usable / (keyLen + ridWidth))
	minEnt := (maxEnt + 1) / 2
	return &Manager{
		pool:     pool,
		fd:       fd,
		pageSize: pageSize,
		columns:  columns,
		keyLen:   keyLen,
		maxEnt:   maxEnt,
		minEnt:   minEnt,
	}
}

// Reset reinitializes the tree to a single empty root leaf at page 1,
// abandoning every other node page. Crash recovery rebuilds indexes from
// the recovered heaps because index mutations are not WAL-logged; page
// numbers are never recycled, so the orphaned pages are simply dead space.
func (m *Manager) Reset() error {
	m.rootLatch.Lock()
	defer m.rootLatch.Unlock()

	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 1})
	if err != nil {
		return err
	}
	initNode(m.pool.Page(idx), true, -1, -1, -1)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 1}, true); err != nil {
		return err
	}

	hidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	hpage := m.pool.Page(hidx)
	putInt32(hpage, hdrRootOff, 1)
	putInt32(hpage, hdrRightmostOff, 1)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

// EncodeKey packs column values (already ordered per m.columns) into a Key.
func (m *Manager) EncodeKey(values []types.Value) (Key, error) {
	buf := make([]byte, m.keyLen)
	off := 0
	for i, c := range m.columns {
		w := c.Width()
		if err := values[i].Encode(buf[off : off+w]); err != nil {
			return nil, err
		}
		off += w
	}
	return Key(buf), nil
}

// compareKeys orders a and b column-by-column using typed comparisons:
// INT/BIGINT/FLOAT by value, CHAR by lexicographic bytes.
func (m *Manager) compareKeys(a, b Key) int {
	off := 0
	for _, c := range m.columns {
		w := c.Width()
		va, _ := types.Decode(c.Kind, a[off:off+w])
		vb, _ := types.Decode(c.Kind, b[off:off+w])
		if cmp := va.Compare(vb); cmp != 0 {
			return cmp
		}
		off += w
	}
	return 0
}

func (m *Manager) rootPageNo() (int32, error) {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return 0, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, false)
	return getInt32(m.pool.Page(idx), hdrRootOff), nil
}

func (m *Manager) setRootPageNo(pn int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	putInt32(m.pool.Page(idx), hdrRootOff, pn)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

func (m *Manager) rightmostLeaf() (int32, error) {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return 0, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, false)
	return getInt32(m.pool.Page(idx), hdrRightmostOff), nil
}

func (m *Manager) setRightmostLeaf(pn int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	putInt32(m.pool.Page(idx), hdrRightmostOff, pn)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: 0}, true)
}

func initNode(page []byte, isLeaf bool, parent, prev, next int32) {
	if isLeaf {
		page[nodeIsLeafOff] = 1
	} else {
		page[nodeIsLeafOff] = 0
	}
	putInt32(page, nodeCountOff, 0)
	putInt32(page, nodeParentOff, parent)
	putInt32(page, nodePrevOff, prev)
	putInt32(page, nodeNextOff, next)
}

func nodeIsLeaf(page []byte) bool  { return page[nodeIsLeafOff] != 0 }
func nodeCount(page []byte) int32  { return getInt32(page, nodeCountOff) }
func nodeParent(page []byte) int32 { return getInt32(page, nodeParentOff) }
func nodePrev(page []byte) int32   { return getInt32(page, nodePrevOff) }
func nodeNext(page []byte) int32   { return getInt32(page, nodeNextOff) }

func setNodeCount(page []byte, n int32)  { putInt32(page, nodeCountOff, n) }
func setNodeParent(page []byte, pn int32) { putInt32(page, nodeParentOff, pn) }
func setNodePrev(page []byte, pn int32)   { putInt32(page, nodePrevOff, pn) }
func setNodeNext(page []byte, pn int32)   { putInt32(page, nodeNextOff, pn) }

func (m *Manager) slotOffset(i int32) int {
	return nodeHeaderLen + int(i)*(m.keyLen+ridWidth)
}

func (m *Manager) slotKey(page []byte, i int32) Key {
	off := m.slotOffset(i)
	return Key(page[off : off+m.keyLen])
}

func (m *Manager) slotRID(page []byte, i int32) types.RID {
	off := m.slotOffset(i) + m.keyLen
	return types.RID{PageNo: getInt32(page, off), Slot: getInt32(page, off+4)}
}

func (m *Manager) setSlot(page []byte, i int32, key Key, rid types.RID) {
	off := m.slotOffset(i)
	copy(page[off:off+m.keyLen], key)
	putInt32(page, off+m.keyLen, rid.PageNo)
	putInt32(page, off+m.keyLen+4, rid.Slot)
}

// insertSlotAt shifts slots [i, count) right by one and writes key/rid at
// i; caller must bump the stored count separately.
func (m *Manager) insertSlotAt(page []byte, count, i int32, key Key, rid types.RID) {
	slotW := m.keyLen + ridWidth
	src := m.slotOffset(i)
	dst := m.slotOffset(i + 1)
	n := int(count-i) * slotW
	copy(page[dst:dst+n], page[src:src+n])
	m.setSlot(page, i, key, rid)
}

// removeSlotAt shifts slots (i, count) left by one over slot i; caller
// must decrement the stored count separately.
func (m *Manager) removeSlotAt(page []byte, count, i int32) {
	slotW := m.keyLen + ridWidth
	dst := m.slotOffset(i)
	src := m.slotOffset(i + 1)
	n := int(count-i-1) * slotW
	copy(page[dst:dst+n], page[src:src+n])
}

// findSlot returns the position of the first slot whose key is >= key
// (leaf semantics) among slots [lo, count); for internal nodes slot 0 is
// skipped (its key is a sentinel,).
func (m *Manager) findSlot(page []byte, count int32, key Key, lo int32) int32 {
	i := lo
	for i < count && m.compareKeys(m.slotKey(page, i), key) < 0 {
		i++
	}
	return i
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
