package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

func newTestManager() *Manager {
	return NewManager(20, time.Millisecond)
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestManager()
	obj := DataID{Kind: KindTable}
	require.NoError(t, m.Acquire(1, obj, S))
	require.NoError(t, m.Acquire(2, obj, S))
}

func TestExclusiveConflictsTimesOut(t *testing.T) {
	m := newTestManager()
	obj := DataID{Kind: KindTable}
	require.NoError(t, m.Acquire(1, obj, X))
	err := m.Acquire(2, obj, X)
	require.Error(t, err)
	assert.True(t, dberr.IsAbortReason(err, dberr.DeadlockPrevention))
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	m := newTestManager()
	obj := DataID{Kind: KindTable}
	require.NoError(t, m.Acquire(1, obj, X))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(2, obj, X) }()
	time.Sleep(5 * time.Millisecond)
	m.ReleaseAll(1)
	require.NoError(t, <-done)
}

func TestUpgradeFromSharedToExclusive(t *testing.T) {
	m := newTestManager()
	obj := DataID{Kind: KindRecord, RID: types.RID{PageNo: 1}}
	require.NoError(t, m.Acquire(1, obj, S))
	require.NoError(t, m.Acquire(1, obj, X))
	assert.Contains(t, m.TxnLockSet(1), obj)
}

func TestConcurrentUpgradeConflict(t *testing.T) {
	m := newTestManager()
	obj := DataID{Kind: KindRecord, RID: types.RID{PageNo: 1}}
	require.NoError(t, m.Acquire(1, obj, S))
	require.NoError(t, m.Acquire(2, obj, S))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(1, obj, X) }()
	time.Sleep(2 * time.Millisecond)
	err := m.Acquire(2, obj, X)
	assert.True(t, dberr.IsAbortReason(err, dberr.UpgradeConflict))
	<-done
}

func TestGrowingThenShrinkingAbortsNewLock(t *testing.T) {
	m := newTestManager()
	obj1 := DataID{Kind: KindRecord, RID: types.RID{PageNo: 1}}
	obj2 := DataID{Kind: KindRecord, RID: types.RID{PageNo: 2}}
	require.NoError(t, m.Acquire(1, obj1, S))
	m.Release(1, obj1)

	err := m.Acquire(1, obj2, S)
	require.Error(t, err)
	assert.True(t, dberr.IsAbortReason(err, dberr.LockOnShrinking))
}

func TestGapLockBlocksConflictingInsertUntilReleased(t *testing.T) {
	m := newTestManager()
	bound := types.RID{PageNo: 5}
	require.NoError(t, m.LockGap(1, 3, bound))

	done := make(chan error, 1)
	go func() { done <- m.TryLockInGap(2, 3, bound) }()
	time.Sleep(5 * time.Millisecond)
	m.ReleaseAll(1)
	require.NoError(t, <-done)
}
