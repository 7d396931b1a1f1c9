package index

import (
	"emberdb/internal/storage/buffer"
)

// DeleteEntry removes key, rebalancing underflowed nodes by redistribution
// or coalescing. Returns whether a key was removed.
func (m *Manager) DeleteEntry(key Key) (bool, error) {
	m.rootLatch.Lock()
	defer m.rootLatch.Unlock()

	root, err := m.rootPageNo()
	if err != nil {
		return false, err
	}
	leafPn, err := m.descendToLeaf(root, key)
	if err != nil {
		return false, err
	}
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leafPn})
	if err != nil {
		return false, err
	}
	page := m.pool.Page(idx)
	count := nodeCount(page)
	pos := m.findSlot(page, count, key, 0)
	if pos >= count || m.compareKeys(m.slotKey(page, pos), key) != 0 {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, false)
		return false, nil
	}
	m.removeSlotAt(page, count, pos)
	count--
	setNodeCount(page, count)
	firstKeyChanged := pos == 0 && count > 0
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leafPn}, true); err != nil {
		return false, err
	}

	if firstKeyChanged {
		if err := m.fixParentSeparators(leafPn); err != nil {
			return false, err
		}
	}
	if err := m.rebalance(leafPn); err != nil {
		return false, err
	}
	return true, nil
}

// fixParentSeparators walks from pn upward, rewriting each ancestor's
// separator for pn to pn's current first key, stopping once a separator
// already matches.
func (m *Manager) fixParentSeparators(pn int32) error {
	for {
		idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
		if err != nil {
			return err
		}
		page := m.pool.Page(idx)
		count := nodeCount(page)
		if count == 0 {
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
			return nil
		}
		firstKey := append(Key(nil), m.slotKey(page, 0)...)
		parentPn := nodeParent(page)
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
		if parentPn < 0 {
			return nil
		}

		pidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
		if err != nil {
			return err
		}
		ppage := m.pool.Page(pidx)
		pos, found := m.findChild(ppage, pn)
		if !found || pos == 0 {
			// Slot 0 is the sentinel; nothing to rewrite at this level.
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, false)
			return nil
		}
		if m.compareKeys(m.slotKey(ppage, pos), firstKey) == 0 {
			m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, false)
			return nil
		}
		off := m.slotOffset(pos)
		copy(ppage[off:off+m.keyLen], firstKey)
		if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true); err != nil {
			return err
		}
		pn = parentPn
	}
}

// findChild returns the slot position of childPn among page's children.
func (m *Manager) findChild(page []byte, childPn int32) (int32, bool) {
	count := nodeCount(page)
	for i := int32(0); i < count; i++ {
		if m.slotRID(page, i).PageNo == childPn {
			return i, true
		}
	}
	return 0, false
}

// rebalance restores the min-size invariant at pn after a deletion,
// redistributing from a sibling when possible or coalescing into the
// lower-positioned neighbour otherwise, recursing upward as needed.
func (m *Manager) rebalance(pn int32) error {
	root, err := m.rootPageNo()
	if err != nil {
		return err
	}
	if pn == root {
		return m.maybeCollapseRoot(root)
	}

	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return err
	}
	count := nodeCount(m.pool.Page(idx))
	parentPn := nodeParent(m.pool.Page(idx))
	m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
	if count >= m.minEnt {
		return nil
	}

	pidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
	if err != nil {
		return err
	}
	ppage := m.pool.Page(pidx)
	pos, found := m.findChild(ppage, pn)
	if !found {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, false)
		return nil
	}
	parentCount := nodeCount(ppage)
	var leftPn, rightPn int32 = -1, -1
	if pos > 0 {
		leftPn = m.slotRID(ppage, pos-1).PageNo
	}
	if pos < parentCount-1 {
		rightPn = m.slotRID(ppage, pos+1).PageNo
	}
	m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, false)

	if leftPn >= 0 {
		leftCount, err := m.nodeCountOf(leftPn)
		if err != nil {
			return err
		}
		if leftCount+count >= 2*m.minEnt {
			return m.redistributeFromLeft(parentPn, pos, leftPn, pn)
		}
	}
	if rightPn >= 0 {
		rightCount, err := m.nodeCountOf(rightPn)
		if err != nil {
			return err
		}
		if rightCount+count >= 2*m.minEnt {
			return m.redistributeFromRight(parentPn, pos, pn, rightPn)
		}
	}
	if leftPn >= 0 {
		return m.coalesce(parentPn, pos-1, leftPn, pn)
	}
	if rightPn >= 0 {
		return m.coalesce(parentPn, pos, pn, rightPn)
	}
	return nil // only child of root; handled by maybeCollapseRoot at the top
}

func (m *Manager) nodeCountOf(pn int32) (int32, error) {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return 0, err
	}
	defer m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, false)
	return nodeCount(m.pool.Page(idx)), nil
}

// redistributeFromLeft borrows leftPn's last entry onto the front of pn
// (the child at parent slot `pos`), rewriting the separator at `pos`.
func (m *Manager) redistributeFromLeft(parentPn, pos, leftPn, pn int32) error {
	lidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leftPn})
	if err != nil {
		return err
	}
	lpage := m.pool.Page(lidx)
	lcount := nodeCount(lpage)
	key := append(Key(nil), m.slotKey(lpage, lcount-1)...)
	rid := m.slotRID(lpage, lcount-1)
	setNodeCount(lpage, lcount-1)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leftPn}, true); err != nil {
		return err
	}

	nidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return err
	}
	npage := m.pool.Page(nidx)
	ncount := nodeCount(npage)
	isLeaf := nodeIsLeaf(npage)
	m.insertSlotAt(npage, ncount, 0, key, rid)
	setNodeCount(npage, ncount+1)
	newFirst := append(Key(nil), m.slotKey(npage, 0)...)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true); err != nil {
		return err
	}
	if !isLeaf {
		if err := m.reparentChild(rid.PageNo, pn); err != nil {
			return err
		}
	}

	pidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
	if err != nil {
		return err
	}
	off := m.slotOffset(pos)
	copy(m.pool.Page(pidx)[off:off+m.keyLen], newFirst)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true)
}

// redistributeFromRight borrows rightPn's first entry onto the end of pn
// (the child at parent slot `pos`), rewriting the separator at `pos+1`.
func (m *Manager) redistributeFromRight(parentPn, pos, pn, rightPn int32) error {
	ridx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rightPn})
	if err != nil {
		return err
	}
	rpage := m.pool.Page(ridx)
	rcount := nodeCount(rpage)
	key := append(Key(nil), m.slotKey(rpage, 0)...)
	rid := m.slotRID(rpage, 0)
	m.removeSlotAt(rpage, rcount, 0)
	setNodeCount(rpage, rcount-1)
	newRightFirst := append(Key(nil), m.slotKey(rpage, 0)...)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rightPn}, true); err != nil {
		return err
	}

	nidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: pn})
	if err != nil {
		return err
	}
	npage := m.pool.Page(nidx)
	ncount := nodeCount(npage)
	isLeaf := nodeIsLeaf(npage)
	m.setSlot(npage, ncount, key, rid)
	setNodeCount(npage, ncount+1)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: pn}, true); err != nil {
		return err
	}
	if !isLeaf {
		if err := m.reparentChild(rid.PageNo, pn); err != nil {
			return err
		}
	}

	pidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
	if err != nil {
		return err
	}
	off := m.slotOffset(pos + 1)
	copy(m.pool.Page(pidx)[off:off+m.keyLen], newRightFirst)
	return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true)
}

// coalesce merges the child at parent slot `rightPos` (page rightPn) into
// its lower-positioned neighbour leftPn (the lower page always survives),
// then removes rightPn's separator from the parent and recurses upward.
func (m *Manager) coalesce(parentPn int32, leftPos, leftPn, rightPn int32) error {
	lidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: leftPn})
	if err != nil {
		return err
	}
	lpage := m.pool.Page(lidx)
	lcount := nodeCount(lpage)
	isLeaf := nodeIsLeaf(lpage)

	ridx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: rightPn})
	if err != nil {
		m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leftPn}, false)
		return err
	}
	rpage := m.pool.Page(ridx)
	rcount := nodeCount(rpage)

	for i := int32(0); i < rcount; i++ {
		key := m.slotKey(rpage, i)
		rid := m.slotRID(rpage, i)
		m.setSlot(lpage, lcount+i, key, rid)
		if !isLeaf {
			if err := m.reparentChild(rid.PageNo, leftPn); err != nil {
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leftPn}, true)
				m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rightPn}, false)
				return err
			}
		}
	}
	setNodeCount(lpage, lcount+rcount)
	if isLeaf {
		newNext := nodeNext(rpage)
		setNodeNext(lpage, newNext)
		if newNext >= 0 {
			if err := m.relinkPrev(newNext, leftPn); err != nil {
				return err
			}
		} else {
			if err := m.setRightmostLeaf(leftPn); err != nil {
				return err
			}
		}
	}
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: leftPn}, true); err != nil {
		return err
	}
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: rightPn}, false); err != nil {
		return err
	}

	pidx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: parentPn})
	if err != nil {
		return err
	}
	ppage := m.pool.Page(pidx)
	pcount := nodeCount(ppage)
	m.removeSlotAt(ppage, pcount, leftPos+1)
	setNodeCount(ppage, pcount-1)
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: parentPn}, true); err != nil {
		return err
	}

	return m.rebalance(parentPn)
}

// maybeCollapseRoot replaces an internal root with its sole remaining
// child.
func (m *Manager) maybeCollapseRoot(root int32) error {
	idx, err := m.pool.FetchPage(buffer.PageID{FD: m.fd, PageNo: root})
	if err != nil {
		return err
	}
	page := m.pool.Page(idx)
	if nodeIsLeaf(page) || nodeCount(page) > 1 {
		return m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: root}, false)
	}
	childPn := m.slotRID(page, 0).PageNo
	if err := m.pool.UnpinPage(buffer.PageID{FD: m.fd, PageNo: root}, false); err != nil {
		return err
	}
	if err := m.reparentChild(childPn, -1); err != nil {
		return err
	}
	return m.setRootPageNo(childPn)
}
