package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ferrodb/engine/basic"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(20 * time.Millisecond)
	t.Cleanup(m.Close)
	return m
}

func TestLockManager_CompatibleTableLocksBothGrant(t *testing.T) {
	m := newTestManager(t)
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)

	require.NoError(t, m.LockTable(t1, LockIS, 1))
	require.NoError(t, m.LockTable(t2, LockIS, 1))
}

func TestLockManager_IncompatibleRowLockBlocksUntilReleased(t *testing.T) {
	m := newTestManager(t)
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)
	rid := basic.NewRID(1, 0)

	require.NoError(t, m.LockTable(t1, LockIX, 1))
	require.NoError(t, m.LockRow(t1, LockX, 1, rid))

	require.NoError(t, m.LockTable(t2, LockIX, 1))

	done := make(chan error, 1)
	go func() { done <- m.LockRow(t2, LockX, 1, rid) }()

	select {
	case <-done:
		t.Fatal("t2 should not have been granted the row lock yet")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.UnlockRow(t1, 1, rid, false))
	require.NoError(t, m.UnlockTable(t1, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("t2 was never granted the row lock after t1 released it")
	}
}

// Boundary scenario 5: requesting a shared-family lock under
// read-uncommitted is always refused, growing phase or not.
func TestLockManager_SharedLockUnderReadUncommittedRejected(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, ReadUncommitted)

	require.ErrorIs(t, m.LockTable(txn, LockS, 1), basic.ErrSharedOnReadUncommitted)
	require.ErrorIs(t, m.LockTable(txn, LockIS, 1), basic.ErrSharedOnReadUncommitted)
	require.ErrorIs(t, m.LockTable(txn, LockSIX, 1), basic.ErrSharedOnReadUncommitted)
	require.NoError(t, m.LockTable(txn, LockIX, 1))
}

// Boundary scenario 6: a table lock cannot be released while the
// transaction still holds row locks under that table.
func TestLockManager_TableUnlockedBeforeRowsRejected(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, RepeatableRead)
	rid := basic.NewRID(1, 0)

	require.NoError(t, m.LockTable(txn, LockIX, 1))
	require.NoError(t, m.LockRow(txn, LockX, 1, rid))

	require.ErrorIs(t, m.UnlockTable(txn, 1), basic.ErrTableUnlockedBeforeRow)

	require.NoError(t, m.UnlockRow(txn, 1, rid, false))
	require.NoError(t, m.UnlockTable(txn, 1))
}

func TestLockManager_UpgradeFromSharedToExclusive(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, RepeatableRead)

	require.NoError(t, m.LockTable(txn, LockS, 1))
	require.NoError(t, m.LockTable(txn, LockX, 1))

	mode, ok := txn.tableLockMode(1)
	require.True(t, ok)
	require.Equal(t, LockX, mode)
}

func TestLockManager_SecondUpgradeConflicts(t *testing.T) {
	m := newTestManager(t)
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)

	require.NoError(t, m.LockTable(t1, LockS, 1))
	require.NoError(t, m.LockTable(t2, LockS, 1))

	go func() { _ = m.LockTable(t1, LockX, 1) }()
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, m.LockTable(t2, LockX, 1), basic.ErrUpgradeConflict)
}

func TestLockManager_IncompatibleUpgradeRejected(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, RepeatableRead)

	require.NoError(t, m.LockTable(txn, LockSIX, 1))
	require.ErrorIs(t, m.LockTable(txn, LockS, 1), basic.ErrIncompatibleUpgrade)
}

func TestLockManager_RowLockRequiresTableLock(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, RepeatableRead)
	require.ErrorIs(t, m.LockRow(txn, LockX, 1, basic.NewRID(1, 0)), basic.ErrTableLockNotPresent)
}

func TestLockManager_IntentionLockOnRowRejected(t *testing.T) {
	m := newTestManager(t)
	txn := NewTransaction(1, RepeatableRead)
	require.NoError(t, m.LockTable(txn, LockIX, 1))
	require.ErrorIs(t, m.LockRow(txn, LockIS, 1, basic.NewRID(1, 0)), basic.ErrIntentionLockOnRow)
}

// Boundary scenario 4: two transactions each hold a lock the other wants,
// forming a cycle the detector must break by aborting the younger one.
func TestLockManager_DeadlockDetectorAbortsYoungerTxn(t *testing.T) {
	m := newTestManager(t)
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)

	require.NoError(t, m.LockTable(t1, LockIX, 1))
	require.NoError(t, m.LockTable(t2, LockIX, 2))
	// Each side also needs IX on the other's table before it may request
	// a row lock there.
	require.NoError(t, m.LockTable(t1, LockIX, 2))
	require.NoError(t, m.LockTable(t2, LockIX, 1))
	require.NoError(t, m.LockRow(t1, LockX, 1, basic.NewRID(1, 0)))
	require.NoError(t, m.LockRow(t2, LockX, 2, basic.NewRID(2, 0)))

	errA := make(chan error, 1) // t1 waits on t2's row
	errB := make(chan error, 1) // t2 waits on t1's row
	go func() { errA <- m.LockRow(t1, LockX, 2, basic.NewRID(2, 0)) }()
	go func() { errB <- m.LockRow(t2, LockX, 1, basic.NewRID(1, 0)) }()

	// Exactly one side of the cycle is aborted by the detector; the other
	// stays blocked until that victim's locks are released, same as a real
	// transaction manager would do when it rolls the victim back.
	var victim *Transaction
	select {
	case err := <-errA:
		require.ErrorIs(t, err, basic.ErrTransactionAborted)
		victim = t1
	case err := <-errB:
		require.ErrorIs(t, err, basic.ErrTransactionAborted)
		victim = t2
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was never broken")
	}
	require.Equal(t, t2, victim, "the younger transaction is the one the detector must pick")
	require.Equal(t, TxnAborted, victim.State())

	for _, rl := range victim.RowLocks() {
		require.NoError(t, m.UnlockRow(victim, rl.Table, rl.RID, true))
	}
	for _, tl := range victim.TableLocks() {
		require.NoError(t, m.UnlockTable(victim, tl.Table))
	}

	select {
	case err := <-errA:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor was never granted the lock after the victim's locks were released")
	}
}
