// Package index implements the concurrent B+ tree built on top of the
// buffer pool: point lookup, range iteration, split-on-insert and
// borrow/merge-on-delete, all under latch-crabbing.
package index

import "ferrodb/engine/basic"

// Key is the tree's search key. The engine ships one concrete
// implementation, IntKey, comparable by signed 64-bit value; a composite
// key would plug in here by implementing the same interface and widening
// the fixed 8-byte on-page slot encoding accordingly.
type Key interface {
	// Compare returns <0, 0, >0 as the receiver is less than, equal to, or
	// greater than other.
	Compare(other Key) int
	// Encode renders the key as the fixed 8-byte slot payload.
	Encode() [8]byte
}

// IntKey is a key comparable by signed 64-bit value.
type IntKey int64

func (k IntKey) Compare(other Key) int {
	o := other.(IntKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k IntKey) Encode() [8]byte {
	var b [8]byte
	u := uint64(k) ^ (1 << 63) // bias so byte-order compare matches numeric compare if ever needed
	for i := 0; i < 8; i++ {
		b[7-i] = byte(u >> (8 * uint(i)))
	}
	return b
}

// DecodeIntKey reconstructs an IntKey from its 8-byte slot encoding.
func DecodeIntKey(b [8]byte) IntKey {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return IntKey(u ^ (1 << 63))
}

// RID is re-exported for convenience so callers of this package rarely
// need to import basic directly just to build a value.
type RID = basic.RID
