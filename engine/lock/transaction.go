package lock

import (
	"sync"

	"ferrodb/engine/basic"
)

// Transaction is the lock-relevant slice of a running transaction: its
// identity, isolation level, 2PL phase, and the locks it currently holds.
// The txn package wraps this with the undo log and write sets a commit or
// abort needs; everything lock-acquisition cares about lives here so this
// package never has to import back up into txn.
type Transaction struct {
	mu sync.Mutex

	id        basic.TxnID
	isolation IsolationLevel
	state     TxnState

	tableLocks map[LockMode]map[TableID]struct{}

	sharedRowLocks    map[TableID]map[basic.RID]struct{}
	exclusiveRowLocks map[TableID]map[basic.RID]struct{}
}

// NewTransaction starts a transaction in the growing phase.
func NewTransaction(id basic.TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:        id,
		isolation: isolation,
		state:     TxnGrowing,
		tableLocks: map[LockMode]map[TableID]struct{}{
			LockIS:  {},
			LockIX:  {},
			LockS:   {},
			LockSIX: {},
			LockX:   {},
		},
		sharedRowLocks:    map[TableID]map[basic.RID]struct{}{},
		exclusiveRowLocks: map[TableID]map[basic.RID]struct{}{},
	}
}

func (t *Transaction) ID() basic.TxnID { return t.id }

func (t *Transaction) IsolationLevel() IsolationLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isolation
}

func (t *Transaction) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(s TxnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Transaction) addTableLock(mode LockMode, id TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLocks[mode][id] = struct{}{}
}

func (t *Transaction) removeTableLock(mode LockMode, id TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLocks[mode], id)
}

// tableLockMode returns the one mode, if any, this transaction currently
// holds on id. A transaction never holds two different modes on the same
// table at once — an upgrade always replaces the old mode outright.
func (t *Transaction) tableLockMode(id TableID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, mode := range []LockMode{LockIS, LockIX, LockS, LockSIX, LockX} {
		if _, ok := t.tableLocks[mode][id]; ok {
			return mode, true
		}
	}
	return 0, false
}

func (t *Transaction) addRowLock(mode LockMode, table TableID, rid basic.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rowSetLocked(mode, table)
	set[rid] = struct{}{}
}

func (t *Transaction) removeRowLock(mode LockMode, table TableID, rid basic.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rowSetLocked(mode, table), rid)
}

func (t *Transaction) hasRowLock(table TableID, rid basic.RID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sharedRowLocks[table][rid]; ok {
		return LockS, true
	}
	if _, ok := t.exclusiveRowLocks[table][rid]; ok {
		return LockX, true
	}
	return 0, false
}

func (t *Transaction) hasRowLocksOnTable(table TableID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sharedRowLocks[table]) > 0 || len(t.exclusiveRowLocks[table]) > 0
}

// rowSetLocked returns the row set for mode/table, creating it if absent.
// Caller must hold t.mu.
func (t *Transaction) rowSetLocked(mode LockMode, table TableID) map[basic.RID]struct{} {
	var byTable map[TableID]map[basic.RID]struct{}
	if mode == LockS {
		byTable = t.sharedRowLocks
	} else {
		byTable = t.exclusiveRowLocks
	}
	set, ok := byTable[table]
	if !ok {
		set = map[basic.RID]struct{}{}
		byTable[table] = set
	}
	return set
}

// GrantedTableLock pairs a table ID with the mode held on it, for
// iterating a transaction's locks at commit/abort time.
type GrantedTableLock struct {
	Table TableID
	Mode  LockMode
}

// GrantedRowLock pairs a table/RID with the mode held on it.
type GrantedRowLock struct {
	Table TableID
	RID   basic.RID
	Mode  LockMode
}

// TableLocks snapshots every table lock this transaction currently holds.
func (t *Transaction) TableLocks() []GrantedTableLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []GrantedTableLock
	for _, mode := range []LockMode{LockIS, LockIX, LockS, LockSIX, LockX} {
		for table := range t.tableLocks[mode] {
			out = append(out, GrantedTableLock{Table: table, Mode: mode})
		}
	}
	return out
}

// RowLocks snapshots every row lock this transaction currently holds.
func (t *Transaction) RowLocks() []GrantedRowLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []GrantedRowLock
	for table, rids := range t.sharedRowLocks {
		for rid := range rids {
			out = append(out, GrantedRowLock{Table: table, RID: rid, Mode: LockS})
		}
	}
	for table, rids := range t.exclusiveRowLocks {
		for rid := range rids {
			out = append(out, GrantedRowLock{Table: table, RID: rid, Mode: LockX})
		}
	}
	return out
}
