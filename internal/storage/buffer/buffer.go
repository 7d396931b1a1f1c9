// Package buffer implements the buffer pool manager: a fixed-size pool of
// frames with LRU replacement, pin/unpin, and WAL-obedient flush: no dirty
// page reaches disk before its page-LSN is durable in the log.
package buffer

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"emberdb/internal/dberr"
	"emberdb/internal/storage/disk"
)

// PageID identifies a page by file and page number.
type PageID struct {
	FD     disk.FD
	PageNo int32
}

// LogFlusher is the log manager's force-flush contract, used to enforce
// WAL obedience: no dirty page is written back before its page-LSN is
// durable. Satisfied by *wal.LogManager without buffer importing wal.
type LogFlusher interface {
	ForceFlush(lsn uint64) error
}

type frame struct {
	mu      sync.Mutex
	pageID  PageID
	bytes   []byte
	pinCt   int32
	dirty   bool
	pageLSN uint64
	valid   bool
}

// Pool is the fixed-size buffer pool.
type Pool struct {
	mu sync.Mutex

	disk     *disk.Manager
	log      LogFlusher
	pageSize int

	frames    []*frame
	pageTable map[PageID]int // page-id -> frame index
	freeList  []int
	lru       *list.List // front = most-recently-used
	lruElem   map[int]*list.Element

	stats Stats
}

// Stats carries the pool's hit/miss/eviction/flush counters, exposed for
// SHOW diagnostics and tests.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

func NewPool(dm *disk.Manager, log LogFlusher, numFrames, pageSize int) *Pool {
	p := &Pool{
		disk:      dm,
		log:       log,
		pageSize:  pageSize,
		frames:    make([]*frame, numFrames),
		pageTable: make(map[PageID]int, numFrames),
		lru:       list.New(),
		lruElem:   make(map[int]*list.Element, numFrames),
	}
	for i := range p.frames {
		p.frames[i] = &frame{bytes: make([]byte, pageSize)}
		p.freeList = append(p.freeList, i)
	}
	return p
}

func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&p.stats.Hits),
		Misses:    atomic.LoadUint64(&p.stats.Misses),
		Evictions: atomic.LoadUint64(&p.stats.Evictions),
		Flushes:   atomic.LoadUint64(&p.stats.Flushes),
	}
}

// FetchPage pins and returns the frame index holding id, loading it from
// disk if necessary.
func (p *Pool) FetchPage(id PageID) (int, error) {
	p.mu.Lock()
	if idx, ok := p.pageTable[id]; ok {
		fr := p.frames[idx]
		fr.mu.Lock()
		fr.pinCt++
		fr.mu.Unlock()
		p.touch(idx)
		atomic.AddUint64(&p.stats.Hits, 1)
		p.mu.Unlock()
		return idx, nil
	}
	atomic.AddUint64(&p.stats.Misses, 1)

	idx, err := p.allocateFrame()
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	fr := p.frames[idx]
	p.pageTable[id] = idx
	p.mu.Unlock()

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if err := p.disk.ReadPage(id.FD, id.PageNo, fr.bytes); err != nil {
		p.mu.Lock()
		delete(p.pageTable, id)
		fr.valid = false
		p.freeList = append(p.freeList, idx)
		p.mu.Unlock()
		return 0, err
	}
	fr.pageID = id
	fr.pinCt = 1
	fr.dirty = false
	fr.valid = true
	fr.pageLSN = decodePageLSN(fr.bytes)
	p.mu.Lock()
	p.touch(idx)
	p.mu.Unlock()
	return idx, nil
}

// The page-LSN is persisted in the page trailer just before the checksum,
// so redo can compare a log record's LSN against the on-disk state after a
// restart.
func decodePageLSN(page []byte) uint64 {
	off := len(page) - disk.TrailerSize
	return binary.LittleEndian.Uint64(page[off : off+disk.PageLSNSize])
}

func encodePageLSN(page []byte, lsn uint64) {
	off := len(page) - disk.TrailerSize
	binary.LittleEndian.PutUint64(page[off:off+disk.PageLSNSize], lsn)
}

// NewPage allocates a fresh page on fd, pins it, and returns its frame
// index and page number.
func (p *Pool) NewPage(fd disk.FD) (int, int32, error) {
	pn, err := p.disk.AllocatePage(fd)
	if err != nil {
		return 0, 0, err
	}
	id := PageID{FD: fd, PageNo: pn}

	p.mu.Lock()
	idx, err := p.allocateFrame()
	if err != nil {
		p.mu.Unlock()
		return 0, 0, err
	}
	fr := p.frames[idx]
	p.pageTable[id] = idx
	p.mu.Unlock()

	fr.mu.Lock()
	for i := range fr.bytes {
		fr.bytes[i] = 0
	}
	fr.pageID = id
	fr.pinCt = 1
	fr.dirty = true
	fr.valid = true
	fr.pageLSN = 0
	body := fr.bytes
	fr.mu.Unlock()

	if err := p.disk.WritePage(fd, pn, body); err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	p.touch(idx)
	p.mu.Unlock()
	return idx, pn, nil
}

// allocateFrame returns a free or evicted frame index. Caller holds p.mu.
func (p *Pool) allocateFrame() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}
	return p.evictLocked()
}

// evictLocked selects an unpinned LRU victim, flushing it if dirty. Caller
// holds p.mu.
func (p *Pool) evictLocked() (int, error) {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		idx := e.Value.(int)
		fr := p.frames[idx]
		fr.mu.Lock()
		if fr.pinCt > 0 {
			fr.mu.Unlock()
			continue
		}
		if fr.dirty {
			if err := p.log.ForceFlush(fr.pageLSN); err != nil {
				fr.mu.Unlock()
				return 0, err
			}
			encodePageLSN(fr.bytes, fr.pageLSN)
			if err := p.disk.WritePage(fr.pageID.FD, fr.pageID.PageNo, fr.bytes); err != nil {
				fr.mu.Unlock()
				return 0, err
			}
			atomic.AddUint64(&p.stats.Flushes, 1)
		}
		delete(p.pageTable, fr.pageID)
		fr.valid = false
		fr.mu.Unlock()
		p.lru.Remove(e)
		delete(p.lruElem, idx)
		atomic.AddUint64(&p.stats.Evictions, 1)
		return idx, nil
	}
	return 0, dberr.New(dberr.BufferpoolFull, "no evictable frame available")
}

// touch moves idx to the front of the LRU list. Caller holds p.mu.
func (p *Pool) touch(idx int) {
	if e, ok := p.lruElem[idx]; ok {
		p.lru.MoveToFront(e)
		return
	}
	p.lruElem[idx] = p.lru.PushFront(idx)
}

// Page returns the raw page bytes for a pinned frame index, for callers
// (record manager, B+tree) that mutate or read pages directly.
func (p *Pool) Page(idx int) []byte {
	return p.frames[idx].bytes
}

// PageLSN returns the frame's current page-LSN.
func (p *Pool) PageLSN(idx int) uint64 {
	fr := p.frames[idx]
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.pageLSN
}

// SetPageLSN updates the frame's page-LSN, called after applying a log
// record's effect during normal operation or recovery.
func (p *Pool) SetPageLSN(idx int, lsn uint64) {
	fr := p.frames[idx]
	fr.mu.Lock()
	fr.pageLSN = lsn
	fr.mu.Unlock()
}

// UnpinPage decrements the pin count; dirty is OR'd onto the frame's sticky
// dirty flag.
func (p *Pool) UnpinPage(id PageID, dirty bool) error {
	p.mu.Lock()
	idx, ok := p.pageTable[id]
	p.mu.Unlock()
	if !ok {
		return dberr.New(dberr.IndexEntryNotFound, "page %v is not resident", id)
	}
	fr := p.frames[idx]
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.pinCt <= 0 {
		return dberr.New(dberr.IndexEntryNotFound, "page %v is already unpinned", id)
	}
	fr.pinCt--
	if dirty {
		fr.dirty = true
	}
	return nil
}

// FlushPage force-flushes id's WAL prefix then writes its bytes to disk
// unconditionally.
func (p *Pool) FlushPage(id PageID) error {
	p.mu.Lock()
	idx, ok := p.pageTable[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	fr := p.frames[idx]
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if err := p.log.ForceFlush(fr.pageLSN); err != nil {
		return err
	}
	encodePageLSN(fr.bytes, fr.pageLSN)
	if err := p.disk.WritePage(id.FD, id.PageNo, fr.bytes); err != nil {
		return err
	}
	fr.dirty = false
	atomic.AddUint64(&p.stats.Flushes, 1)
	return nil
}

// FlushAll writes back every resident page belonging to fd, dirty or not.
func (p *Pool) FlushAll(fd disk.FD) error {
	p.mu.Lock()
	var ids []PageID
	for id := range p.pageTable {
		if id.FD == fd {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes id from the pool; fails if still pinned. Page-number
// space is never recycled on disk.
func (p *Pool) DeletePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	fr := p.frames[idx]
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.pinCt > 0 {
		return dberr.New(dberr.IndexEntryNotFound, "page %v is still pinned", id)
	}
	delete(p.pageTable, id)
	fr.valid = false
	if e, ok := p.lruElem[idx]; ok {
		p.lru.Remove(e)
		delete(p.lruElem, idx)
	}
	p.freeList = append(p.freeList, idx)
	return nil
}
