// Package txn drives the transaction lifecycle on top of the lock
// manager: begin assigns a fresh transaction, commit releases every lock
// it holds, and abort unwinds its write set in reverse before releasing.
package txn

import (
	"sync"
	"sync/atomic"

	"ferrodb/engine/basic"
	"ferrodb/engine/lock"
	"ferrodb/logger"
)

// WriteType distinguishes the three mutations the undo log can unwind.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// WriteRecord is one entry in a transaction's write set: enough to undo
// the mutation if the transaction aborts. BeforeImage is the row's prior
// bytes (nil for an insert, which undoes by deleting).
type WriteRecord struct {
	Type        WriteType
	Table       lock.TableID
	RID         basic.RID
	BeforeImage []byte
}

// UndoFunc applies one WriteRecord's inverse. The caller (normally the
// table heap or index the record came from) supplies this so the
// transaction manager never needs to know storage-layer details.
type UndoFunc func(WriteRecord) error

// Transaction wraps a lock.Transaction with the write set and undo log a
// commit or abort needs. Lock acquisition and 2PL bookkeeping live on the
// embedded lock.Transaction; this layer only adds what's needed to unwind.
type Transaction struct {
	*lock.Transaction

	mu       sync.Mutex
	writeSet []WriteRecord
	indexLog []WriteRecord
}

// RecordWrite appends one entry to the transaction's undo log. Entries are
// unwound in reverse order on abort, so each new write is appended, never
// prepended.
func (t *Transaction) RecordWrite(rec WriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = append(t.writeSet, rec)
}

// RecordIndexWrite appends one entry to the transaction's index undo log,
// tracked separately from table writes so an abort can unwind indexes
// before the rows they point at.
func (t *Transaction) RecordIndexWrite(rec WriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexLog = append(t.indexLog, rec)
}

func (t *Transaction) drainWriteSet() []WriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.writeSet
	t.writeSet = nil
	return out
}

func (t *Transaction) drainIndexLog() []WriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.indexLog
	t.indexLog = nil
	return out
}

// Manager hands out transactions, backed by the shared lock manager, and
// owns the undo hooks commit/abort call into.
type Manager struct {
	lockMgr   *lock.Manager
	nextTxnID int64

	undoTable UndoFunc
	undoIndex UndoFunc

	isolation lock.IsolationLevel
}

// NewManager builds a transaction manager over lockMgr. undoTable and
// undoIndex are called, in reverse write-set order, to unwind an aborted
// transaction's mutations; either may be nil if the caller never records
// writes of that kind.
func NewManager(lockMgr *lock.Manager, defaultIsolation lock.IsolationLevel, undoTable, undoIndex UndoFunc) *Manager {
	return &Manager{
		lockMgr:   lockMgr,
		isolation: defaultIsolation,
		undoTable: undoTable,
		undoIndex: undoIndex,
	}
}

// Begin starts a new transaction at the manager's default isolation level.
func (m *Manager) Begin() *Transaction {
	return m.BeginIsolated(m.isolation)
}

// BeginIsolated starts a new transaction at the given isolation level.
func (m *Manager) BeginIsolated(level lock.IsolationLevel) *Transaction {
	id := basic.TxnID(atomic.AddInt64(&m.nextTxnID, 1) - 1)
	txn := &Transaction{Transaction: lock.NewTransaction(id, level)}
	logger.Debugf("txn: begin %d (isolation=%v)", id, level)
	return txn
}

// Commit marks the transaction committed and releases every lock it holds.
// The write/index logs are discarded without being unwound.
func (m *Manager) Commit(txn *Transaction) {
	txn.drainWriteSet()
	txn.drainIndexLog()
	txn.SetState(lock.TxnCommitted)
	m.releaseAll(txn)
	logger.Debugf("txn: commit %d", txn.ID())
}

// Abort unwinds the transaction's writes in reverse order — index entries
// first, then table rows, mirroring the order a reader could observe
// them — then releases every lock it holds.
func (m *Manager) Abort(txn *Transaction) {
	indexLog := txn.drainIndexLog()
	for i := len(indexLog) - 1; i >= 0; i-- {
		if m.undoIndex == nil {
			break
		}
		if err := m.undoIndex(indexLog[i]); err != nil {
			logger.Errorf("txn: undo index write during abort of %d: %v", txn.ID(), err)
		}
	}

	writeSet := txn.drainWriteSet()
	for i := len(writeSet) - 1; i >= 0; i-- {
		if m.undoTable == nil {
			break
		}
		if err := m.undoTable(writeSet[i]); err != nil {
			logger.Errorf("txn: undo table write during abort of %d: %v", txn.ID(), err)
		}
	}

	txn.SetState(lock.TxnAborted)
	m.releaseAll(txn)
	logger.Warnf("txn: abort %d", txn.ID())
}

// releaseAll drops every row lock, then every table lock, the transaction
// holds — row locks first, since UnlockTable refuses to run while any of
// its rows are still locked.
func (m *Manager) releaseAll(txn *Transaction) {
	for _, rl := range txn.RowLocks() {
		if err := m.lockMgr.UnlockRow(txn.Transaction, rl.Table, rl.RID, true); err != nil {
			logger.Errorf("txn: release row lock %v for txn %d: %v", rl.RID, txn.ID(), err)
		}
	}
	for _, tl := range txn.TableLocks() {
		if err := m.lockMgr.UnlockTable(txn.Transaction, tl.Table); err != nil {
			logger.Errorf("txn: release table lock %v for txn %d: %v", tl.Table, txn.ID(), err)
		}
	}
}

// LockManager exposes the underlying lock manager so callers can acquire
// locks directly with this transaction before mutating anything.
func (m *Manager) LockManager() *lock.Manager { return m.lockMgr }
