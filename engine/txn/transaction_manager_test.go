package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ferrodb/engine/basic"
	"ferrodb/engine/lock"
)

func newTestManager(t *testing.T, undoTable, undoIndex UndoFunc) *Manager {
	t.Helper()
	lm := lock.NewManager(50 * time.Millisecond)
	t.Cleanup(lm.Close)
	return NewManager(lm, lock.RepeatableRead, undoTable, undoIndex)
}

func TestTransactionManager_CommitReleasesLocksWithoutUndo(t *testing.T) {
	undone := false
	m := newTestManager(t, func(WriteRecord) error { undone = true; return nil }, nil)

	txn := m.Begin()
	require.NoError(t, m.LockManager().LockTable(txn.Transaction, lock.LockIX, 1))
	require.NoError(t, m.LockManager().LockRow(txn.Transaction, lock.LockX, 1, basic.NewRID(1, 0)))
	txn.RecordWrite(WriteRecord{Type: WriteInsert, Table: 1, RID: basic.NewRID(1, 0)})

	m.Commit(txn)

	require.False(t, undone, "commit must not run the undo hook")
	require.Equal(t, lock.TxnCommitted, txn.State())
	require.Empty(t, txn.TableLocks())
	require.Empty(t, txn.RowLocks())
}

func TestTransactionManager_AbortUndoesWritesInReverseOrder(t *testing.T) {
	var order []basic.RID
	m := newTestManager(t, func(rec WriteRecord) error {
		order = append(order, rec.RID)
		return nil
	}, nil)

	txn := m.Begin()
	require.NoError(t, m.LockManager().LockTable(txn.Transaction, lock.LockIX, 1))
	txn.RecordWrite(WriteRecord{Type: WriteInsert, Table: 1, RID: basic.NewRID(1, 0)})
	txn.RecordWrite(WriteRecord{Type: WriteInsert, Table: 1, RID: basic.NewRID(1, 1)})
	txn.RecordWrite(WriteRecord{Type: WriteInsert, Table: 1, RID: basic.NewRID(1, 2)})

	m.Abort(txn)

	require.Equal(t, []basic.RID{basic.NewRID(1, 2), basic.NewRID(1, 1), basic.NewRID(1, 0)}, order)
	require.Equal(t, lock.TxnAborted, txn.State())
	require.Empty(t, txn.TableLocks())
}

func TestTransactionManager_AbortUnwindsIndexBeforeTable(t *testing.T) {
	var order []string
	m := newTestManager(t,
		func(WriteRecord) error { order = append(order, "table"); return nil },
		func(WriteRecord) error { order = append(order, "index"); return nil },
	)

	txn := m.Begin()
	txn.RecordWrite(WriteRecord{Type: WriteInsert})
	txn.RecordIndexWrite(WriteRecord{Type: WriteInsert})

	m.Abort(txn)

	require.Equal(t, []string{"index", "table"}, order)
}

func TestTransactionManager_BeginAssignsIncreasingIDs(t *testing.T) {
	m := newTestManager(t, nil, nil)
	a := m.Begin()
	b := m.Begin()
	require.Less(t, a.ID(), b.ID())
}
