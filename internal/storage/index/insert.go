package index

import (
	"emberdb/internal/storage/buffer"
	"emberdb/internal/types"
)

// InsertEntry inserts (key, rid), splitting leaves/internal nodes as
// needed. Returns the leaf page number the key now
// lives on, or DuplicateLeaf if key already exists (insert rejected,
// not an error).
func (m *Manager) InsertEntry(key Key, rid types.RID) (int32, error) {
	m.rootLatch.Lock()
	defer m.rootLatch.Unlock()

	root, err := m.rootPageNo()
	if err != nil {
		return 0, err
	}
	leafPn, err := m.descendToLeaf(root, key)
	if err != nil {
		return 0, err
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leafPn})
	if err != nil {
		return 0, err
	}
	page := m.pool.Page(idx)
	count := nodeCount(page)
	pos := m.findSlot(page, count, key, 0)
	if pos < count && m.compareKeys(m.slotKey(page, pos), key) == 0 {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, false)
		return DuplicateLeaf, nil
	}

	m.insertSlotAt(page, count, pos, key, rid)
	count++
	setNodeCount(page, count)

	if count <= m.maxEnt {
		if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, true); err != nil {
			return 0, err
		}
		return leafPn, nil
	}

	// Leaf overflowed: split at ceil(n/2), chain the new sibling into the
	// leaf list, and propagate its first key to the parent.
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, true); err != nil {
		return 0, err
	}
	finalLeaf, err := m.splitAndPropagate(leafPn, key)
	if err != nil {
		return 0, err
	}
	return finalLeaf, nil
}

// splitAndPropagate splits the overflowed node at pn and inserts the new
// sibling into its parent, cascading as needed. Returns the leaf page the
// originally-inserted key ended up on (only meaningful when pn is a leaf).
func (m *Manager) splitAndPropagate(pn int32, insertedKey Key) (int32, error) {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return 0, err
	}
	page := m.pool.Page(idx)
	isLeaf := nodeIsLeaf(page)
	count := nodeCount(page)
	splitAt := (count + 1) / 2

	ridx, rpn, err := m.pool.NewPage(m.fd)
	if err != nil {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
		return 0, err
	}
	rpage := m.pool.Page(ridx)
	initNode(rpage, isLeaf, nodeParent(page), pn, nodeNext(page))

	moved := count - splitAt
	for i := int32(0); i < moved; i++ {
		k := m.slotKey(page, splitAt+i)
		r := m.slotRID(page, splitAt+i)
		m.setSlot(rpage, i, k, r)
		if !isLeaf {
			if err := m.reparentChild(r.PageNo, rpn); err != nil {
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true)
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rpn}, true)
				return 0, err
			}
		}
	}
	setNodeCount(rpage, moved)
	separator := append(Key(nil), m.slotKey(rpage, 0)...)

	if isLeaf {
		oldNext := nodeNext(page)
		setNodeNext(page, rpn)
		if oldNext >= 0 {
			if err := m.relinkPrev(oldNext, rpn); err != nil {
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true)
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rpn}, true)
				return 0, err
			}
		} else {
			if err := m.setRightmostLeaf(rpn); err != nil {
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true)
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rpn}, true)
				return 0, err
			}
		}
	}
	setNodeCount(page, splitAt)

	parentPn := nodeParent(page)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true); err != nil {
		return 0, err
	}
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rpn}, true); err != nil {
		return 0, err
	}

	finalLeaf := pn
	if isLeaf && m.compareKeys(insertedKey, separator) >= 0 {
		finalLeaf = rpn
	}

	if parentPn < 0 {
		if err := m.createRoot(pn, rpn, separator); err != nil {
			return 0, err
		}
		return finalLeaf, nil
	}
	if err := m.insertIntoParent(parentPn, separator, rpn); err != nil {
		return 0, err
	}
	return finalLeaf, nil
}

// createRoot builds a fresh internal root over leftPn and rightPn after a
// root split, updating the file header.
func (m *Manager) createRoot(leftPn, rightPn int32, separator Key) error {
	idx, rootPn, err := m.pool.NewPage(m.fd)
	if err != nil {
		return err
	}
	page := m.pool.Page(idx)
	initNode(page, false, -1, -1, -1)
	zero := make(Key, m.keyLen)
	m.setSlot(page, 0, zero, types.RID{PageNo: leftPn})
	m.setSlot(page, 1, separator, types.RID{PageNo: rightPn})
	setNodeCount(page, 2)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rootPn}, true); err != nil {
		return err
	}
	if err := m.reparentChild(leftPn, rootPn); err != nil {
		return err
	}
	if err := m.reparentChild(rightPn, rootPn); err != nil {
		return err
	}
	return m.setRootPageNo(rootPn)
}

// insertIntoParent inserts (separator, childPn) into parentPn, cascading
// a further split if parentPn overflows.
func (m *Manager) insertIntoParent(parentPn int32, separator Key, childPn int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
	if err != nil {
		return err
	}
	page := m.pool.Page(idx)
	count := nodeCount(page)
	pos := m.findSlot(page, count, separator, 1)
	m.insertSlotAt(page, count, pos, separator, types.RID{PageNo: childPn})
	count++
	setNodeCount(page, count)

	if count <= m.maxEnt {
		return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true)
	}
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true); err != nil {
		return err
	}
	_, err = m.splitAndPropagate(parentPn, separator)
	return err
}

// reparentChild updates childPn's stored parent pointer to newParent.
func (m *Manager) reparentChild(childPn, newParent int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: childPn})
	if err != nil {
		return err
	}
	setNodeParent(m.pool.Page(idx), newParent)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: childPn}, true)
}

// relinkPrev updates pn's stored prevLeaf pointer to newPrev.
func (m *Manager) relinkPrev(pn, newPrev int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return err
	}
	setNodePrev(m.pool.Page(idx), newPrev)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true)
}
