package index

import (
	"ferrodb/engine/basic"
	"ferrodb/engine/buffer"
)

// BPlusTree is a concurrent B+ tree index backed by the buffer pool. All
// structural changes happen under latch-crabbing: readers release a parent
// latch only once they hold the child's; writers walk the same way but
// release ancestors early once a node is provably "safe" — adding or
// removing one entry at this level can never force it to split or merge.
//
// The first page NewBPlusTree allocates is the tree's header page, holding
// only the current root page ID, so the root can change (on the first insert, or when it
// splits or collapses) without the tree's own identity — its header page ID
// — ever moving.
type BPlusTree struct {
	bpm             *buffer.Manager
	headerPageID    basic.PageID
	leafMaxSize     int32
	internalMaxSize int32
}

// NewBPlusTree allocates a fresh header page and returns an empty tree.
func NewBPlusTree(bpm *buffer.Manager, leafMaxSize, internalMaxSize int32) (*BPlusTree, error) {
	guard, id, err := bpm.NewGuarded()
	if err != nil {
		return nil, err
	}
	initHeaderPage(guard.Page().Data())
	guard.Drop()

	return &BPlusTree{
		bpm:             bpm,
		headerPageID:    id,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}, nil
}

func (t *BPlusTree) leafMinSize() int32     { return t.leafMaxSize / 2 }
func (t *BPlusTree) internalMinSize() int32 { return (t.internalMaxSize + 1) / 2 }

func (t *BPlusTree) rootPageID() (basic.PageID, error) {
	guard, err := t.bpm.FetchRead(t.headerPageID)
	if err != nil {
		return basic.InvalidPageID, err
	}
	defer guard.Drop()
	return asHeaderPage(guard.Page().Data()).RootPageID(), nil
}

// IsEmpty reports whether the tree currently has no root.
func (t *BPlusTree) IsEmpty() (bool, error) {
	root, err := t.rootPageID()
	if err != nil {
		return false, err
	}
	return root == basic.InvalidPageID, nil
}

// GetValue looks up key under read latch crabbing: a child is pinned and
// latched before its parent is released, so a concurrent split or merge
// never leaves the search without a valid page to stand on.
func (t *BPlusTree) GetValue(key Key) (basic.RID, bool, error) {
	root, err := t.rootPageID()
	if err != nil || root == basic.InvalidPageID {
		return 0, false, err
	}

	cur, err := t.bpm.FetchRead(root)
	if err != nil {
		return 0, false, err
	}
	for {
		data := cur.Page().Data()
		if kindOf(data) == pageKindLeaf {
			leaf := asLeafPage(data)
			idx := leaf.Find(key)
			cur.Drop()
			if idx < 0 {
				return 0, false, nil
			}
			return leaf.RIDAt(idx), true, nil
		}
		internal := asInternalPage(data)
		childID := internal.ChildAt(internal.LookupChild(key))
		child, err := t.bpm.FetchRead(childID)
		if err != nil {
			cur.Drop()
			return 0, false, err
		}
		cur.Drop()
		cur = child
	}
}

// Insert adds (key, rid). It first tries an optimistic path that only ever
// takes a write latch on the leaf itself, on the bet that the leaf has
// spare room; if that bet is wrong it falls back to the fully pessimistic
// path that write-latches every node it might need to split.
func (t *BPlusTree) Insert(key IntKey, rid basic.RID) error {
	handled, err := t.insertOptimistic(key, rid)
	if handled || err != nil {
		return err
	}
	return t.insertPessimistic(key, rid)
}

func (t *BPlusTree) insertOptimistic(key IntKey, rid basic.RID) (bool, error) {
	root, err := t.rootPageID()
	if err != nil {
		return false, err
	}
	if root == basic.InvalidPageID {
		return false, nil
	}

	cur, err := t.bpm.FetchRead(root)
	if err != nil {
		return false, err
	}
	for kindOf(cur.Page().Data()) != pageKindLeaf {
		internal := asInternalPage(cur.Page().Data())
		childID := internal.ChildAt(internal.LookupChild(key))
		child, err := t.bpm.FetchRead(childID)
		if err != nil {
			cur.Drop()
			return false, err
		}
		cur.Drop()
		cur = child
	}
	leafID := cur.PageID()
	cur.Drop()

	leafGuard, err := t.bpm.FetchWrite(leafID)
	if err != nil {
		return false, err
	}
	leaf := asLeafPage(leafGuard.Page().Data())

	// Re-fetching under write latch means a concurrent split could in
	// principle have moved key's home leaf since the read crab above; the
	// duplicate/size checks below still hold correctly for whatever leaf
	// we now have, they just fall back pessimistically if it is no longer
	// obviously safe.
	if leaf.Size() >= leaf.MaxSize()-1 {
		leafGuard.Drop()
		return false, nil
	}
	if leaf.Find(key) >= 0 {
		leafGuard.Drop()
		return true, basic.ErrDuplicateKey
	}
	leaf.InsertAt(leaf.LowerBound(key), key, rid)
	leafGuard.Drop()
	return true, nil
}

func dropStack(stack []*buffer.WriteGuard) {
	for _, g := range stack {
		g.Drop()
	}
}

func (t *BPlusTree) insertPessimistic(key IntKey, rid basic.RID) error {
	headerGuard, err := t.bpm.FetchWrite(t.headerPageID)
	if err != nil {
		return err
	}
	header := asHeaderPage(headerGuard.Page().Data())
	root := header.RootPageID()

	if root == basic.InvalidPageID {
		leafGuard, leafID, err := t.bpm.NewGuarded()
		if err != nil {
			headerGuard.Drop()
			return err
		}
		leaf := initLeafPage(leafGuard.Page().Data(), t.leafMaxSize)
		leaf.InsertAt(0, key, rid)
		leafGuard.Drop()
		header.SetRootPageID(leafID)
		headerGuard.Drop()
		return nil
	}

	stack := []*buffer.WriteGuard{headerGuard}
	cur, err := t.bpm.FetchWrite(root)
	if err != nil {
		dropStack(stack)
		return err
	}
	stack = append(stack, cur)

	for kindOf(cur.Page().Data()) != pageKindLeaf {
		internal := asInternalPage(cur.Page().Data())
		if internal.Size() < internal.MaxSize()-1 {
			for _, g := range stack[:len(stack)-1] {
				g.Drop()
			}
			stack = []*buffer.WriteGuard{cur}
		}
		childID := internal.ChildAt(internal.LookupChild(key))
		child, err := t.bpm.FetchWrite(childID)
		if err != nil {
			dropStack(stack)
			return err
		}
		stack = append(stack, child)
		cur = child
	}

	leaf := asLeafPage(cur.Page().Data())
	if leaf.Find(key) >= 0 {
		dropStack(stack)
		return basic.ErrDuplicateKey
	}
	leaf.InsertAt(leaf.LowerBound(key), key, rid)

	if leaf.Size() <= leaf.MaxSize() {
		dropStack(stack)
		return nil
	}

	stack = stack[:len(stack)-1] // cur (the leaf) is handled outside the ancestor stack from here on
	sepKey, rightID, rightGuard, err := t.splitLeaf(cur)
	if err != nil {
		cur.Drop()
		dropStack(stack)
		return err
	}
	leftID := cur.PageID()
	cur.Drop()
	rightGuard.Drop()

	for {
		top := stack[len(stack)-1]
		if kindOf(top.Page().Data()) == pageKindHeader {
			newRootGuard, newRootID, err := t.bpm.NewGuarded()
			if err != nil {
				top.Drop()
				return err
			}
			newRoot := initInternalPage(newRootGuard.Page().Data(), t.internalMaxSize)
			newRoot.InsertAt(0, 0, leftID)
			newRoot.InsertAt(1, sepKey, rightID)
			newRootGuard.Drop()
			asHeaderPage(top.Page().Data()).SetRootPageID(newRootID)
			top.Drop()
			return nil
		}

		parent := asInternalPage(top.Page().Data())
		idx := parent.IndexOfChild(leftID)
		parent.InsertAt(idx+1, sepKey, rightID)

		if parent.Size() <= parent.MaxSize() {
			dropStack(stack)
			return nil
		}

		stack = stack[:len(stack)-1]
		sepKey2, rightID2, rightGuard2, err := t.splitInternal(top)
		if err != nil {
			top.Drop()
			dropStack(stack)
			return err
		}
		leftID = top.PageID()
		top.Drop()
		rightGuard2.Drop()
		sepKey, rightID = sepKey2, rightID2
	}
}

func (t *BPlusTree) splitLeaf(leftGuard *buffer.WriteGuard) (IntKey, basic.PageID, *buffer.WriteGuard, error) {
	left := asLeafPage(leftGuard.Page().Data())
	rightGuard, rightID, err := t.bpm.NewGuarded()
	if err != nil {
		return 0, basic.InvalidPageID, nil, err
	}
	right := initLeafPage(rightGuard.Page().Data(), left.MaxSize())

	// Left keeps (max_size+1)/2 entries, the smaller or equal half; right
	// receives the remainder. left.Size() is max_size+1 at this point,
	// the transient overfill the caller just inserted into.
	mid := (left.MaxSize() + 1) / 2
	for i := mid; i < left.Size(); i++ {
		right.InsertAt(i-mid, left.KeyAt(i), left.RIDAt(i))
	}
	left.setSize(mid)
	right.SetNextPageID(left.NextPageID())
	left.SetNextPageID(rightID)

	return right.KeyAt(0), rightID, rightGuard, nil
}

func (t *BPlusTree) splitInternal(leftGuard *buffer.WriteGuard) (IntKey, basic.PageID, *buffer.WriteGuard, error) {
	left := asInternalPage(leftGuard.Page().Data())
	rightGuard, rightID, err := t.bpm.NewGuarded()
	if err != nil {
		return 0, basic.InvalidPageID, nil, err
	}
	right := initInternalPage(rightGuard.Page().Data(), left.MaxSize())

	// Left retains floor(max_size/2)+1 children so neither side can end up
	// below min_size; left.Size() is max_size+1 at this point.
	mid := left.MaxSize()/2 + 1
	sep := left.KeyAt(mid)
	right.InsertAt(0, 0, left.ChildAt(mid))
	for i := mid + 1; i < left.Size(); i++ {
		right.InsertAt(right.Size(), left.KeyAt(i), left.ChildAt(i))
	}
	left.setSize(mid)

	return sep, rightID, rightGuard, nil
}

// Remove deletes key, cascading borrow-from-sibling or merge-with-sibling
// operations up the tree whenever a node drops below its minimum
// occupancy, and collapsing the root when it is left with a single child.
func (t *BPlusTree) Remove(key Key) error {
	headerGuard, err := t.bpm.FetchWrite(t.headerPageID)
	if err != nil {
		return err
	}
	header := asHeaderPage(headerGuard.Page().Data())
	root := header.RootPageID()
	if root == basic.InvalidPageID {
		headerGuard.Drop()
		return basic.ErrEmptyTree
	}

	stack := []*buffer.WriteGuard{headerGuard}
	cur, err := t.bpm.FetchWrite(root)
	if err != nil {
		dropStack(stack)
		return err
	}
	stack = append(stack, cur)

	for kindOf(cur.Page().Data()) != pageKindLeaf {
		internal := asInternalPage(cur.Page().Data())
		isRoot := len(stack) == 2 && kindOf(stack[0].Page().Data()) == pageKindHeader
		minSize := t.internalMinSize()
		if isRoot {
			minSize = 2
		}
		if internal.Size() > minSize {
			for _, g := range stack[:len(stack)-1] {
				g.Drop()
			}
			stack = []*buffer.WriteGuard{cur}
		}
		childID := internal.ChildAt(internal.LookupChild(key))
		child, err := t.bpm.FetchWrite(childID)
		if err != nil {
			dropStack(stack)
			return err
		}
		stack = append(stack, child)
		cur = child
	}

	leaf := asLeafPage(cur.Page().Data())
	idx := leaf.Find(key)
	if idx < 0 {
		dropStack(stack)
		return basic.ErrKeyNotFound
	}
	leaf.RemoveAt(idx)

	isRootLeaf := len(stack) == 2 && kindOf(stack[0].Page().Data()) == pageKindHeader
	if isRootLeaf {
		if leaf.Size() == 0 {
			header := asHeaderPage(stack[0].Page().Data())
			leafID := cur.PageID()
			cur.Drop()
			t.bpm.DeletePage(leafID)
			header.SetRootPageID(basic.InvalidPageID)
			stack[0].Drop()
			return nil
		}
		dropStack(stack)
		return nil
	}
	if leaf.Size() >= t.leafMinSize() {
		dropStack(stack)
		return nil
	}

	stack = stack[:len(stack)-1]
	return t.rebalance(cur, stack)
}

// rebalance handles cur's underflow by borrowing from or merging with a
// sibling reached through the parent at the top of stack, cascading
// upward (and collapsing the root) as far as necessary.
func (t *BPlusTree) rebalance(cur *buffer.WriteGuard, stack []*buffer.WriteGuard) error {
	for {
		top := stack[len(stack)-1]
		if kindOf(top.Page().Data()) == pageKindHeader {
			t.collapseRootIfNeeded(top, cur)
			cur.Drop()
			top.Drop()
			return nil
		}

		parent := asInternalPage(top.Page().Data())
		curID := cur.PageID()
		myIdx := parent.IndexOfChild(curID)
		isLeaf := kindOf(cur.Page().Data()) == pageKindLeaf

		if myIdx+1 < parent.Size() {
			rightID := parent.ChildAt(myIdx + 1)
			right, err := t.bpm.FetchWrite(rightID)
			if err != nil {
				cur.Drop()
				dropStack(stack)
				return err
			}
			if t.canLend(right, isLeaf) {
				t.borrowFromRight(cur, right, parent, myIdx, isLeaf)
				right.Drop()
				cur.Drop()
				dropStack(stack)
				return nil
			}
			t.mergeRight(cur, right, parent, myIdx, isLeaf)
			right.Drop()
			t.bpm.DeletePage(rightID)
			parent.RemoveAt(myIdx + 1)
			cur.Drop()
			stack = stack[:len(stack)-1]
			cur = top
			if t.isSafeAfterMerge(stack, parent) {
				cur.Drop()
				dropStack(stack)
				return nil
			}
			continue
		}

		if myIdx-1 >= 0 {
			leftID := parent.ChildAt(myIdx - 1)
			left, err := t.bpm.FetchWrite(leftID)
			if err != nil {
				cur.Drop()
				dropStack(stack)
				return err
			}
			if t.canLend(left, isLeaf) {
				t.borrowFromLeft(cur, left, parent, myIdx, isLeaf)
				left.Drop()
				cur.Drop()
				dropStack(stack)
				return nil
			}
			t.mergeIntoLeft(left, cur, parent, myIdx, isLeaf)
			parent.RemoveAt(myIdx)
			left.Drop()
			cur.Drop()
			t.bpm.DeletePage(curID)
			stack = stack[:len(stack)-1]
			cur = top
			if t.isSafeAfterMerge(stack, parent) {
				cur.Drop()
				dropStack(stack)
				return nil
			}
			continue
		}

		// No sibling at all: parent has a single child, so there is nothing
		// to borrow from or merge with. cur is left as it is and every
		// latch is released.
		dropStack(stack)
		cur.Drop()
		return nil
	}
}

func (t *BPlusTree) isSafeAfterMerge(stack []*buffer.WriteGuard, parent *internalPage) bool {
	if len(stack) == 0 {
		// parent was the topmost latched node, kept only because it was
		// safe: losing one entry cannot take it below its minimum.
		return true
	}
	isRoot := len(stack) == 1 && kindOf(stack[0].Page().Data()) == pageKindHeader
	minSize := t.internalMinSize()
	if isRoot {
		minSize = 2
	}
	return parent.Size() > minSize
}

func (t *BPlusTree) canLend(sibling *buffer.WriteGuard, isLeaf bool) bool {
	if isLeaf {
		return asLeafPage(sibling.Page().Data()).Size() > t.leafMinSize()
	}
	return asInternalPage(sibling.Page().Data()).Size() > t.internalMinSize()
}

func (t *BPlusTree) borrowFromRight(cur, right *buffer.WriteGuard, parent *internalPage, curIdx int32, isLeaf bool) {
	if isLeaf {
		curLeaf := asLeafPage(cur.Page().Data())
		rightLeaf := asLeafPage(right.Page().Data())
		curLeaf.InsertAt(curLeaf.Size(), rightLeaf.KeyAt(0), rightLeaf.RIDAt(0))
		rightLeaf.RemoveAt(0)
		parent.setKeyAt(curIdx+1, rightLeaf.KeyAt(0))
		return
	}
	curInt := asInternalPage(cur.Page().Data())
	rightInt := asInternalPage(right.Page().Data())
	sep := parent.KeyAt(curIdx + 1)
	curInt.InsertAt(curInt.Size(), sep, rightInt.ChildAt(0))
	parent.setKeyAt(curIdx+1, rightInt.KeyAt(1))
	rightInt.RemoveAt(0)
}

func (t *BPlusTree) borrowFromLeft(cur, left *buffer.WriteGuard, parent *internalPage, curIdx int32, isLeaf bool) {
	if isLeaf {
		curLeaf := asLeafPage(cur.Page().Data())
		leftLeaf := asLeafPage(left.Page().Data())
		last := leftLeaf.Size() - 1
		k, rid := leftLeaf.KeyAt(last), leftLeaf.RIDAt(last)
		leftLeaf.RemoveAt(last)
		curLeaf.InsertAt(0, k, rid)
		parent.setKeyAt(curIdx, k)
		return
	}
	curInt := asInternalPage(cur.Page().Data())
	leftInt := asInternalPage(left.Page().Data())
	last := leftInt.Size() - 1
	sep := parent.KeyAt(curIdx)
	childMoved := leftInt.ChildAt(last)
	newSep := leftInt.KeyAt(last)
	leftInt.RemoveAt(last)
	// The moved-in child becomes the new slot 0 (its key is unused); the
	// child it displaces from slot 0 keeps its identity at slot 1 but must
	// now carry sep — the separator that used to live in the parent above
	// it — as its own separator key.
	curInt.InsertAt(0, 0, childMoved)
	curInt.setKeyAt(1, sep)
	parent.setKeyAt(curIdx, newSep)
}

// mergeRight folds right's entries into cur. The caller removes right's
// slot from parent and deletes its page afterward.
func (t *BPlusTree) mergeRight(cur, right *buffer.WriteGuard, parent *internalPage, curIdx int32, isLeaf bool) {
	if isLeaf {
		curLeaf := asLeafPage(cur.Page().Data())
		rightLeaf := asLeafPage(right.Page().Data())
		for i := int32(0); i < rightLeaf.Size(); i++ {
			curLeaf.InsertAt(curLeaf.Size(), rightLeaf.KeyAt(i), rightLeaf.RIDAt(i))
		}
		curLeaf.SetNextPageID(rightLeaf.NextPageID())
		return
	}
	curInt := asInternalPage(cur.Page().Data())
	rightInt := asInternalPage(right.Page().Data())
	sep := parent.KeyAt(curIdx + 1)
	curInt.InsertAt(curInt.Size(), sep, rightInt.ChildAt(0))
	for i := int32(1); i < rightInt.Size(); i++ {
		curInt.InsertAt(curInt.Size(), rightInt.KeyAt(i), rightInt.ChildAt(i))
	}
}

// mergeIntoLeft folds cur's entries into left. The caller removes cur's
// slot from parent and deletes cur's page afterward.
func (t *BPlusTree) mergeIntoLeft(left, cur *buffer.WriteGuard, parent *internalPage, curIdx int32, isLeaf bool) {
	t.mergeRight(left, cur, parent, curIdx-1, isLeaf)
}

func (t *BPlusTree) collapseRootIfNeeded(headerGuard, rootGuard *buffer.WriteGuard) {
	header := asHeaderPage(headerGuard.Page().Data())
	data := rootGuard.Page().Data()
	if kindOf(data) == pageKindLeaf {
		if asLeafPage(data).Size() == 0 {
			t.bpm.DeletePage(rootGuard.PageID())
			header.SetRootPageID(basic.InvalidPageID)
		}
		return
	}
	internal := asInternalPage(data)
	if internal.Size() == 1 {
		onlyChild := internal.ChildAt(0)
		t.bpm.DeletePage(rootGuard.PageID())
		header.SetRootPageID(onlyChild)
	}
}
