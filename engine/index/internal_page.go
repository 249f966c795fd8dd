package index

import "ferrodb/engine/basic"

// internalSlotSize is an 8-byte key plus a 4-byte child page ID.
const internalSlotSize = 12

// internalPage is a slotted array of (key, child_page_id) pairs. Slot 0
// holds only a child pointer; its key bytes are present but unused — the
// separator for that subtree lives in the parent, per the on-page layout
// the B+ tree index relies on.
type internalPage struct {
	buf []byte
}

func asInternalPage(buf []byte) *internalPage {
	return &internalPage{buf: buf}
}

func initInternalPage(buf []byte, maxSize int32) *internalPage {
	setKind(buf, pageKindInternal)
	p := &internalPage{buf: buf}
	p.setSize(0)
	p.setMaxSize(maxSize)
	return p
}

func (p *internalPage) Size() int32    { return readInt32(p.buf, 4) }
func (p *internalPage) MaxSize() int32 { return readInt32(p.buf, 8) }

func (p *internalPage) setSize(n int32)    { writeInt32(p.buf, 4, n) }
func (p *internalPage) setMaxSize(n int32) { writeInt32(p.buf, 8, n) }

func (p *internalPage) slotOffset(i int32) int {
	return commonHeaderSize + int(i)*internalSlotSize
}

// KeyAt returns slot i's key. Slot 0's key is unused by convention and
// should never be compared against.
func (p *internalPage) KeyAt(i int32) IntKey {
	off := p.slotOffset(i)
	var b [8]byte
	copy(b[:], p.buf[off:off+8])
	return DecodeIntKey(b)
}

func (p *internalPage) setKeyAt(i int32, k IntKey) {
	off := p.slotOffset(i)
	b := k.Encode()
	copy(p.buf[off:off+8], b[:])
}

func (p *internalPage) ChildAt(i int32) basic.PageID {
	off := p.slotOffset(i) + 8
	return basic.PageID(readInt32(p.buf, off))
}

func (p *internalPage) setChildAt(i int32, id basic.PageID) {
	off := p.slotOffset(i) + 8
	writeInt32(p.buf, off, int32(id))
}

// LookupChild returns the slot of the child to descend into for key: slot 0
// if key is less than every real separator, otherwise the greatest i with
// KeyAt(i) <= key. Implemented as a binary search over slots 1..size-1.
func (p *internalPage) LookupChild(key Key) int32 {
	size := p.Size()
	lo, hi := int32(1), size-1
	result := int32(0)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if p.KeyAt(mid).Compare(key) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// InsertAt shifts slots [at, size) right by one and places (key, child) at
// slot at. Caller guarantees size < max_size (or the transient max_size+1
// used mid-split).
func (p *internalPage) InsertAt(at int32, key IntKey, child basic.PageID) {
	size := p.Size()
	for i := size; i > at; i-- {
		p.setKeyAt(i, p.KeyAt(i-1))
		p.setChildAt(i, p.ChildAt(i-1))
	}
	p.setKeyAt(at, key)
	p.setChildAt(at, child)
	p.setSize(size + 1)
}

// RemoveAt deletes slot at, shifting successors left.
func (p *internalPage) RemoveAt(at int32) {
	size := p.Size()
	for i := at; i < size-1; i++ {
		p.setKeyAt(i, p.KeyAt(i+1))
		p.setChildAt(i, p.ChildAt(i+1))
	}
	p.setSize(size - 1)
}

// IndexOfChild returns the slot holding childID, or -1.
func (p *internalPage) IndexOfChild(childID basic.PageID) int32 {
	size := p.Size()
	for i := int32(0); i < size; i++ {
		if p.ChildAt(i) == childID {
			return i
		}
	}
	return -1
}
