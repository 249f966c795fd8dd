package index

import (
	"ferrodb/engine/basic"
	"ferrodb/engine/buffer"
)

// Iterator walks the leaf level left to right, holding a read latch on
// exactly one leaf at a time. Advancing past a leaf's last slot releases it
// and fetches the next one via its sibling pointer before ever reading a
// key from it, so callers never observe two leaves latched at once.
type Iterator struct {
	tree  *BPlusTree
	guard *buffer.ReadGuard
	slot  int32
	done  bool
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.iteratorFrom(func(leaf *leafPage) int32 { return 0 }, func(internal *internalPage) int32 { return 0 })
}

// Seek returns an iterator positioned at the first key >= key.
func (t *BPlusTree) Seek(key Key) (*Iterator, error) {
	return t.iteratorFrom(
		func(leaf *leafPage) int32 { return leaf.LowerBound(key) },
		func(internal *internalPage) int32 { return internal.LookupChild(key) },
	)
}

func (t *BPlusTree) iteratorFrom(leafSlot func(*leafPage) int32, childSlot func(*internalPage) int32) (*Iterator, error) {
	root, err := t.rootPageID()
	if err != nil {
		return nil, err
	}
	if root == basic.InvalidPageID {
		return &Iterator{done: true}, nil
	}

	guard, err := t.bpm.FetchRead(root)
	if err != nil {
		return nil, err
	}
	for kindOf(guard.Page().Data()) != pageKindLeaf {
		internal := asInternalPage(guard.Page().Data())
		childID := internal.ChildAt(childSlot(internal))
		child, err := t.bpm.FetchRead(childID)
		if err != nil {
			guard.Drop()
			return nil, err
		}
		guard.Drop()
		guard = child
	}

	it := &Iterator{tree: t, guard: guard, slot: leafSlot(asLeafPage(guard.Page().Data()))}
	it.skipEmptyLeaves()
	return it, nil
}

func (it *Iterator) skipEmptyLeaves() {
	for !it.done {
		leaf := asLeafPage(it.guard.Page().Data())
		if it.slot < leaf.Size() {
			return
		}
		next := leaf.NextPageID()
		it.guard.Drop()
		if next == basic.InvalidPageID {
			it.guard = nil
			it.done = true
			return
		}
		guard, err := it.tree.bpm.FetchRead(next)
		if err != nil {
			it.guard = nil
			it.done = true
			return
		}
		it.guard = guard
		it.slot = 0
	}
}

// Valid reports whether the iterator currently stands on an entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the entry's key. Valid must be true.
func (it *Iterator) Key() IntKey {
	return asLeafPage(it.guard.Page().Data()).KeyAt(it.slot)
}

// RID returns the entry's record ID. Valid must be true.
func (it *Iterator) RID() basic.RID {
	return asLeafPage(it.guard.Page().Data()).RIDAt(it.slot)
}

// Next advances to the following entry, crossing into the sibling leaf
// (and releasing the one just exhausted) as needed.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.slot++
	it.skipEmptyLeaves()
}

// Close releases the iterator's held leaf latch, if any. Safe to call
// multiple times or on an exhausted iterator.
func (it *Iterator) Close() {
	if it.guard != nil {
		it.guard.Drop()
		it.guard = nil
	}
	it.done = true
}
