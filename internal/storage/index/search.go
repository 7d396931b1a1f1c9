package index

import (
	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/types"
)

// descendToLeaf walks from pn down to the leaf that would hold key,
// following latch coupling conceptually (see package doc: approximated
// here by the caller already holding rootLatch for the whole operation).
func (m *Manager) descendToLeaf(pn int32, key Key) (int32, error) {
	for {
		idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
		if err != nil {
			return 0, err
		}
		page := m.pool.Page(idx)
		if nodeIsLeaf(page) {
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
			return pn, nil
		}
		count := nodeCount(page)
		// Skip slot 0 (sentinel); find the last slot whose key <= key to
		// pick the child subtree.
		i := int32(1)
		for i < count && m.compareKeys(m.slotKey(page, i), key) <= 0 {
			i++
		}
		child := m.slotRID(page, i-1).PageNo
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
		pn = child
	}
}

// GetValue returns the RID(s) stored under key: 0 or 1, since unique
// indexes are the only indexed mode.
func (m *Manager) GetValue(key Key) ([]types.RID, error) {
	m.rootLatch.RLock()
	defer m.rootLatch.RUnlock()

	root, err := m.rootPageNo()
	if err != nil {
		return nil, err
	}
	leafPn, err := m.descendToLeaf(root, key)
	if err != nil {
		return nil, err
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leafPn})
	if err != nil {
		return nil, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, false)
	page := m.pool.Page(idx)
	count := nodeCount(page)
	pos := m.findSlot(page, count, key, 0)
	if pos < count && m.compareKeys(m.slotKey(page, pos), key) == 0 {
		return []types.RID{m.slotRID(page, pos)}, nil
	}
	return nil, nil
}

// Position identifies a (leaf page, slot) scan cursor.
type Position struct {
	PageNo int32
	Slot   int32
}

// LowerBound returns the position of the first entry >= key.
func (m *Manager) LowerBound(key Key) (Position, error) {
	m.rootLatch.RLock()
	defer m.rootLatch.RUnlock()
	return m.lowerBoundLocked(key)
}

func (m *Manager) lowerBoundLocked(key Key) (Position, error) {
	root, err := m.rootPageNo()
	if err != nil {
		return Position{}, err
	}
	leafPn, err := m.descendToLeaf(root, key)
	if err != nil {
		return Position{}, err
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leafPn})
	if err != nil {
		return Position{}, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, false)
	page := m.pool.Page(idx)
	pos := m.findSlot(page, nodeCount(page), key, 0)
	return Position{PageNo: leafPn, Slot: pos}, nil
}

// UpperBound returns the position of the first entry strictly > key.
func (m *Manager) UpperBound(key Key) (Position, error) {
	m.rootLatch.RLock()
	defer m.rootLatch.RUnlock()
	return m.upperBoundLocked(key)
}

func (m *Manager) upperBoundLocked(key Key) (Position, error) {
	root, err := m.rootPageNo()
	if err != nil {
		return Position{}, err
	}
	leafPn, err := m.descendToLeaf(root, key)
	if err != nil {
		return Position{}, err
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leafPn})
	if err != nil {
		return Position{}, err
	}
	page := m.pool.Page(idx)
	count := nodeCount(page)
	pos := m.findSlot(page, count, key, 0)
	if pos < count && m.compareKeys(m.slotKey(page, pos), key) == 0 {
		pos++
	}
	m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, false)
	return Position{PageNo: leafPn, Slot: pos}, nil
}

// CompareKeys exposes the tree's typed column-by-column key ordering so a
// range scan can test its cursor against an upper-bound key.
func (m *Manager) CompareKeys(a, b Key) int {
	return m.compareKeys(a, b)
}

// GapBound returns the RID of the first entry whose key is >= key, or
// types.GapSentinel when key would land after the last entry. Inserters
// lock the gap this RID guards before placing a new key.
func (m *Manager) GapBound(key Key) (types.RID, error) {
	m.rootLatch.RLock()
	defer m.rootLatch.RUnlock()

	pos, err := m.lowerBoundLocked(key)
	if err != nil {
		return types.RID{}, err
	}
	pn, slot := pos.PageNo, pos.Slot
	for {
		idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
		if err != nil {
			return types.RID{}, err
		}
		page := m.pool.Page(idx)
		count := nodeCount(page)
		next := nodeNext(page)
		if slot < count {
			rid := m.slotRID(page, slot)
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
			return rid, nil
		}
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
		if next < 0 {
			return types.GapSentinel, nil
		}
		pn, slot = next, 0
	}
}

// Cursor iterates leaf entries from a Position (inclusive) forward,
// crossing leaf-chain links, used by IndexScan.
type Cursor struct {
	m       *Manager
	pn      int32
	slot    int32
	done    bool
}

// NewCursor begins iteration at pos.
func (m *Manager) NewCursor(pos Position) *Cursor {
	return &Cursor{m: m, pn: pos.PageNo, slot: pos.Slot}
}

func (c *Cursor) IsEnd() bool { return c.done }

// normalize walks the cursor forward past exhausted leaves until it rests
// on a real slot, handling a Position that fell one past a leaf's last
// entry (LowerBound/UpperBound return such positions for keys beyond the
// leaf). Caller holds rootLatch.
func (c *Cursor) normalize() error {
	for {
		idx, err := c.m.pool.FetchPage(buffer.PageID{FD: c.m.fd, PageNo: c.pn})
		if err != nil {
			return err
		}
		page := c.m.pool.Page(idx)
		count := nodeCount(page)
		next := nodeNext(page)
		c.m.pool.UnpinPage(buffer.PageID{FD: c.m.fd, PageNo: c.pn}, false)
		if c.slot < count {
			return nil
		}
		if next < 0 {
			c.done = true
			return nil
		}
		c.pn = next
		c.slot = 0
	}
}

// Current returns the key and RID at the cursor without advancing.
func (c *Cursor) Current() (Key, types.RID, error) {
	if c.done {
		return nil, types.RID{}, dberr.New(dberr.IndexEntryNotFound, "cursor exhausted")
	}
	c.m.rootLatch.RLock()
	defer c.m.rootLatch.RUnlock()
	if err := c.normalize(); err != nil {
		return nil, types.RID{}, err
	}
	if c.done {
		return nil, types.RID{}, dberr.New(dberr.IndexEntryNotFound, "cursor exhausted")
	}
	idx, err := c.m.pool.FetchPage(buffer.PageID{FD: c.m.fd, PageNo: c.pn})
	if err != nil {
		return nil, types.RID{}, err
	}
	defer c.m.pool.UnpinPage(buffer.PageID{FD: c.m.fd, PageNo: c.pn}, false)
	page := c.m.pool.Page(idx)
	key := append(Key(nil), c.m.slotKey(page, c.slot)...)
	rid := c.m.slotRID(page, c.slot)
	return key, rid, nil
}

// Next advances the cursor, crossing to the next leaf on exhaustion.
func (c *Cursor) Next() error {
	if c.done {
		return nil
	}
	c.m.rootLatch.RLock()
	defer c.m.rootLatch.RUnlock()
	if err := c.normalize(); err != nil {
		return err
	}
	if c.done {
		return nil
	}
	c.slot++
	return c.normalize()
}
