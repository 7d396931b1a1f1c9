// Package lock implements the multi-granularity lock manager: table, row,
// and index-gap locks with IS/IX/S/SIX/X compatibility, upgrade rules, and
// bounded-spin deadlock prevention: a request that cannot be granted
// within the attempt budget aborts its transaction instead of waiting on a
// cycle graph.
package lock

import (
	"sync"
	"time"

	"emberdb/internal/dberr"
	"emberdb/internal/storage/disk"
	"emberdb/internal/types"
)

// Mode is a lock's granularity mode.
type Mode int

const (
	IS Mode = iota
	IX
	S
	SIX
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible[a][b] reports whether a granted lock in mode a permits a
// concurrently granted lock in mode b.
var compatible = [5][5]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {IS: false, IX: false, S: false, SIX: false, X: false},
}

// join returns the weakest mode that dominates both a and b, generalizing
// the four classic upgrade pairs (IS+X→X, IX+S→SIX, S+IX→SIX, SIX+X→X) to
// every (existing, requested) pair over the IS<{IX,S}<SIX<X lattice.
func join(a, b Mode) Mode {
	if a == b {
		return a
	}
	if a == IS {
		return b
	}
	if b == IS {
		return a
	}
	if a == X || b == X {
		return X
	}
	if a == SIX || b == SIX {
		return SIX
	}
	// {IX,S} x {IX,S}, unequal -> SIX.
	return SIX
}

// dominates reports whether a transaction already holding `existing`
// satisfies a request for `requested` without needing to upgrade.
func dominates(existing, requested Mode) bool {
	return join(existing, requested) == existing
}

// ObjectKind identifies what a DataID protects.
type ObjectKind int

const (
	KindTable ObjectKind = iota
	KindRecord
	KindGap
)

// DataID identifies a lockable object: (table-fd, TABLE), (table-fd, RID,
// RECORD), or (index-fd, RID, GAP).
type DataID struct {
	FD   disk.FD
	RID  types.RID
	Kind ObjectKind
}

type request struct {
	txnID   uint64
	mode    Mode
	granted bool
}

type queue struct {
	mu        sync.Mutex
	reqs      []*request
	upgrading bool
}

// State is a transaction's 2PL phase.
type State int

const (
	Default State = iota
	Growing
	Shrinking
)

type txnInfo struct {
	mu    sync.Mutex
	state State
	held  map[DataID]Mode
}

// Manager is the lock table.
type Manager struct {
	mu            sync.Mutex
	objects       map[DataID]*queue
	txns          map[uint64]*txnInfo
	maxAttempt    int
	retryInterval time.Duration
}

// NewManager constructs a lock manager with the configured bounded-wait
// parameters.
func NewManager(maxAttempt int, retryInterval time.Duration) *Manager {
	return &Manager{
		objects:       make(map[DataID]*queue),
		txns:          make(map[uint64]*txnInfo),
		maxAttempt:    maxAttempt,
		retryInterval: retryInterval,
	}
}

// Register creates bookkeeping for a new transaction, called from Begin.
func (m *Manager) Register(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txnID] = &txnInfo{held: make(map[DataID]Mode)}
}

func (m *Manager) txn(txnID uint64) *txnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		t = &txnInfo{held: make(map[DataID]Mode)}
		m.txns[txnID] = t
	}
	return t
}

func (m *Manager) object(id DataID) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.objects[id]
	if !ok {
		q = &queue{}
		m.objects[id] = q
	}
	return q
}

// Acquire requests mode on obj for txnID: dominated re-requests succeed
// immediately; a request that must upgrade a held mode sets the object's
// upgrading flag (only one upgrader at a time);
// otherwise the request enqueues and spin-waits up to maxAttempt*interval
// for compatibility before aborting with DEADLOCK-PREVENTION.
func (m *Manager) Acquire(txnID uint64, obj DataID, mode Mode) error {
	t := m.txn(txnID)

	t.mu.Lock()
	if t.state == Shrinking {
		t.mu.Unlock()
		return dberr.Abort(dberr.LockOnShrinking, "txn %d requested a lock while shrinking", txnID)
	}
	if existing, ok := t.held[obj]; ok && dominates(existing, mode) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	q := m.object(obj)
	q.mu.Lock()
	var myReq *request
	var upgrading bool
	for _, r := range q.reqs {
		if r.txnID == txnID {
			myReq = r
			break
		}
	}
	if myReq != nil {
		if q.upgrading {
			q.mu.Unlock()
			return dberr.Abort(dberr.UpgradeConflict, "txn %d: another upgrade is already in progress on %v", txnID, obj)
		}
		target := join(myReq.mode, mode)
		q.upgrading = true
		upgrading = true
		myReq.mode = target
		myReq.granted = false
	} else {
		myReq = &request{txnID: txnID, mode: mode}
		q.reqs = append(q.reqs, myReq)
	}
	q.mu.Unlock()

	for attempt := 0; attempt < m.maxAttempt; attempt++ {
		q.mu.Lock()
		ok := true
		for _, r := range q.reqs {
			if r.txnID == txnID || !r.granted {
				continue
			}
			if !compatible[r.mode][myReq.mode] {
				ok = false
				break
			}
		}
		if ok {
			myReq.granted = true
			if upgrading {
				q.upgrading = false
			}
			q.mu.Unlock()

			t.mu.Lock()
			if t.state == Default {
				t.state = Growing
			}
			t.held[obj] = myReq.mode
			t.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		time.Sleep(m.retryInterval)
	}

	q.mu.Lock()
	removeRequest(q, txnID)
	if upgrading {
		q.upgrading = false
	}
	q.mu.Unlock()
	return dberr.Abort(dberr.DeadlockPrevention, "txn %d timed out waiting for %s on %v", txnID, mode, obj)
}

// LockRecordShared acquires a shared lock on a record RID under its
// table's fd, satisfying index.GapLocker for range-scan callers.
func (m *Manager) LockRecordShared(txnID uint64, tableFD disk.FD, rid types.RID) error {
	return m.Acquire(txnID, DataID{FD: tableFD, RID: rid, Kind: KindRecord}, S)
}

// LockGap acquires a shared gap lock bounded above by boundRID (or the
// index sentinel for the final gap) under the index's fd, satisfying
// index.GapLocker.
func (m *Manager) LockGap(txnID uint64, indexFD disk.FD, boundRID types.RID) error {
	return m.Acquire(txnID, DataID{FD: indexFD, RID: boundRID, Kind: KindGap}, S)
}

// TryLockInGap is the inserter's check before placing a new key: it
// requests IX on the gap guarding boundRID, which conflicts under the
// compatibility table with any reader's S gap lock there. It shares
// Acquire's bounded wait, so a reader that commits promptly still lets the
// inserter proceed; a slower holder causes DEADLOCK-PREVENTION.
func (m *Manager) TryLockInGap(txnID uint64, indexFD disk.FD, boundRID types.RID) error {
	return m.Acquire(txnID, DataID{FD: indexFD, RID: boundRID, Kind: KindGap}, IX)
}

// Release drops every lock txnID holds on obj.
func (m *Manager) Release(txnID uint64, obj DataID) {
	t := m.txn(txnID)
	t.mu.Lock()
	if _, ok := t.held[obj]; ok {
		delete(t.held, obj)
		if t.state == Growing {
			t.state = Shrinking
		}
	}
	t.mu.Unlock()

	q := m.object(obj)
	q.mu.Lock()
	removeRequest(q, txnID)
	q.mu.Unlock()
}

// ReleaseAll drops every lock txnID holds, called from commit/abort.
func (m *Manager) ReleaseAll(txnID uint64) {
	t := m.txn(txnID)
	t.mu.Lock()
	objs := make([]DataID, 0, len(t.held))
	for obj := range t.held {
		objs = append(objs, obj)
	}
	t.held = make(map[DataID]Mode)
	if t.state == Growing {
		t.state = Shrinking
	}
	t.mu.Unlock()

	for _, obj := range objs {
		q := m.object(obj)
		q.mu.Lock()
		removeRequest(q, txnID)
		q.mu.Unlock()
	}

	m.mu.Lock()
	delete(m.txns, txnID)
	m.mu.Unlock()
}

// TxnLockSet returns every object txnID currently holds a lock on.
func (m *Manager) TxnLockSet(txnID uint64) []DataID {
	t := m.txn(txnID)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DataID, 0, len(t.held))
	for obj := range t.held {
		out = append(out, obj)
	}
	return out
}

// GapsHeldBy returns the gap objects among txnID's held locks.
func (m *Manager) GapsHeldBy(txnID uint64) []types.RID {
	t := m.txn(txnID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.RID
	for obj := range t.held {
		if obj.Kind == KindGap {
			out = append(out, obj.RID)
		}
	}
	return out
}

func removeRequest(q *queue, txnID uint64) {
	out := q.reqs[:0]
	for _, r := range q.reqs {
		if r.txnID != txnID {
			out = append(out, r)
		}
	}
	q.reqs = out
}
