package heap

import (
	"emberdb/internal/dberr"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/types"
)

// Loader is the bulk "insert-load" path for the LOAD command: it pins one
// fill page, writes records slot by slot without re-fetching, allocates a
// fresh page when the current one fills, and rewrites the heap header
// exactly once at Close.
type Loader struct {
	m        *Manager
	pn       int32
	pinned   bool
	nextSlot int32
	newPages int32
	closed   bool
}

// NewLoader starts a bulk append. Records land on freshly allocated pages
// past the current end of the file; existing partially-free pages are left
// for the single-row insert path.
func (m *Manager) NewLoader() (*Loader, error) {
	return &Loader{m: m}, nil
}

// Append writes record into the pinned fill page, rolling to a new page
// when the current one is full.
func (l *Loader) Append(record []byte) (types.RID, error) {
	if l.closed {
		return types.RID{}, dberr.New(dberr.UnixError, "append on closed loader")
	}
	if len(record) != l.m.recordSize {
		return types.RID{}, dberr.New(dberr.InvalidValueCount, "record width %d does not match heap record size %d", len(record), l.m.recordSize)
	}
	if l.pinned && l.nextSlot >= int32(l.m.capacity) {
		if err := l.m.pool.UnpinPage(buffer.PageID{FD: l.m.fd, PageNo: l.pn}, true); err != nil {
			return types.RID{}, err
		}
		l.pinned = false
	}
	if !l.pinned {
		idx, pn, err := l.m.pool.NewPage(l.m.fd)
		if err != nil {
			return types.RID{}, err
		}
		_ = idx
		l.pn = pn
		l.pinned = true
		l.nextSlot = 0
		l.newPages++
	}
	idx, err := l.m.pool.FetchPage(buffer.PageID{FD: l.m.fd, PageNo: l.pn})
	if err != nil {
		return types.RID{}, err
	}
	page := l.m.pool.Page(idx)
	slot := l.nextSlot
	l.m.setBit(page, slot, true)
	copy(page[l.m.slotOffset(slot):l.m.slotOffset(slot)+l.m.recordSize], record)
	l.nextSlot++
	// Drop the extra pin from the re-fetch; the NewPage pin stays until the
	// page fills or the loader closes.
	if err := l.m.pool.UnpinPage(buffer.PageID{FD: l.m.fd, PageNo: l.pn}, true); err != nil {
		return types.RID{}, err
	}
	return types.RID{PageNo: l.pn, Slot: slot}, nil
}

// Close unpins the fill page and rewrites the header page once: total
// pages advanced by every page the load allocated, and first-free pointed
// at the final fill page when it still has open slots.
func (l *Loader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	lastHasRoom := false
	if l.pinned {
		lastHasRoom = l.nextSlot < int32(l.m.capacity)
		if err := l.m.pool.UnpinPage(buffer.PageID{FD: l.m.fd, PageNo: l.pn}, true); err != nil {
			return err
		}
		l.pinned = false
	}
	if l.newPages == 0 {
		return nil
	}
	hidx, err := l.m.pool.FetchPage(buffer.PageID{FD: l.m.fd, PageNo: 0})
	if err != nil {
		return err
	}
	page := l.m.pool.Page(hidx)
	putInt32(page, headerTotalPagesOff, getInt32(page, headerTotalPagesOff)+l.newPages)
	if lastHasRoom && getInt32(page, headerFirstFreeOff) < 0 {
		putInt32(page, headerFirstFreeOff, l.pn)
	}
	return l.m.pool.UnpinPage(buffer.PageID{FD: l.m.fd, PageNo: 0}, true)
}
