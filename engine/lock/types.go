// Package lock implements the hierarchical, multi-granularity lock
// manager: intention locks at table granularity, shared/exclusive locks at
// table or row granularity, two-phase-locking admission rules per
// isolation level, and a background wait-for-graph deadlock detector.
package lock

import "ferrodb/engine/basic"

// TableID identifies a locked table. A real catalog would hand these out;
// here any caller-chosen uint32 naming a table works.
type TableID uint32

// LockMode is one of the five lock modes in the intention-lock hierarchy.
type LockMode int

const (
	LockIS  LockMode = iota // intention shared
	LockIX                  // intention exclusive
	LockS                   // shared
	LockSIX                // shared + intention exclusive
	LockX                   // exclusive
)

func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockSIX:
		return "SIX"
	case LockX:
		return "X"
	default:
		return "?"
	}
}

// IsolationLevel controls which lock modes a transaction may acquire, and
// in which of its two phases.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// TxnState is 2PL's growing/shrinking cycle plus the two terminal states.
type TxnState int

const (
	TxnGrowing TxnState = iota
	TxnShrinking
	TxnCommitted
	TxnAborted
)

// InvalidTxnID marks "no transaction", used for a queue's upgrade slot
// when nobody is mid-upgrade.
const InvalidTxnID basic.TxnID = -1

// compatibilityMatrix[a][b] is true when a lock already granted in mode a
// does not block a new request for mode b.
var compatibilityMatrix = [5][5]bool{
	/*        IS     IX     S      SIX    X   */
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

func compatible(held, requested LockMode) bool {
	return compatibilityMatrix[held][requested]
}

// allCompatible reports whether requested is compatible with every mode
// already granted on the resource.
func allCompatible(granted []LockMode, requested LockMode) bool {
	for _, g := range granted {
		if !compatible(g, requested) {
			return false
		}
	}
	return true
}

// upgradeLattice lists the modes a lock in a given mode may upgrade to in
// a single step. IS can upgrade to any stronger mode; S and IX converge on
// SIX; SIX and anything else can only upgrade to X.
var upgradeLattice = map[LockMode]map[LockMode]bool{
	LockIS:  {LockIX: true, LockS: true, LockSIX: true, LockX: true},
	LockIX:  {LockSIX: true, LockX: true},
	LockS:   {LockSIX: true, LockX: true},
	LockSIX: {LockX: true},
	LockX:   {},
}

func canUpgrade(from, to LockMode) bool {
	return upgradeLattice[from][to]
}

// tableModeCoversRow reports whether holding tableMode at table granularity
// satisfies the prerequisite for taking rowMode (S or X) on one of its rows.
func tableModeCoversRow(tableMode, rowMode LockMode) bool {
	if rowMode == LockX {
		return tableMode == LockIX || tableMode == LockSIX || tableMode == LockX
	}
	return true // any of the five table modes permits a row-level S lock
}
