package index

import "ferrodb/engine/basic"

// leafSlotSize is an 8-byte key plus an 8-byte RID.
const leafSlotSize = 16

// leafNextOffset is where the sibling pointer sits, right after the
// common header and before the slot array.
const leafNextOffset = commonHeaderSize
const leafSlotsOffset = commonHeaderSize + 4

// leafPage is a slotted array of (key, RID) pairs in ascending key order,
// plus a next_page_id sibling pointer linking leaves into one ascending
// list.
type leafPage struct {
	buf []byte
}

func asLeafPage(buf []byte) *leafPage {
	return &leafPage{buf: buf}
}

func initLeafPage(buf []byte, maxSize int32) *leafPage {
	setKind(buf, pageKindLeaf)
	p := &leafPage{buf: buf}
	p.setSize(0)
	p.setMaxSize(maxSize)
	p.SetNextPageID(basic.InvalidPageID)
	return p
}

func (p *leafPage) Size() int32    { return readInt32(p.buf, 4) }
func (p *leafPage) MaxSize() int32 { return readInt32(p.buf, 8) }

func (p *leafPage) setSize(n int32)    { writeInt32(p.buf, 4, n) }
func (p *leafPage) setMaxSize(n int32) { writeInt32(p.buf, 8, n) }

func (p *leafPage) NextPageID() basic.PageID {
	return basic.PageID(readInt32(p.buf, leafNextOffset))
}

func (p *leafPage) SetNextPageID(id basic.PageID) {
	writeInt32(p.buf, leafNextOffset, int32(id))
}

func (p *leafPage) slotOffset(i int32) int {
	return leafSlotsOffset + int(i)*leafSlotSize
}

func (p *leafPage) KeyAt(i int32) IntKey {
	off := p.slotOffset(i)
	var b [8]byte
	copy(b[:], p.buf[off:off+8])
	return DecodeIntKey(b)
}

func (p *leafPage) setKeyAt(i int32, k IntKey) {
	off := p.slotOffset(i)
	b := k.Encode()
	copy(p.buf[off:off+8], b[:])
}

func (p *leafPage) RIDAt(i int32) basic.RID {
	off := p.slotOffset(i) + 8
	return basic.RID(readUint64(p.buf, off))
}

func (p *leafPage) setRIDAt(i int32, rid basic.RID) {
	off := p.slotOffset(i) + 8
	writeUint64(p.buf, off, uint64(rid))
}

// Find returns the slot holding key, or -1 via binary search.
func (p *leafPage) Find(key Key) int32 {
	size := p.Size()
	lo, hi := int32(0), size-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		cmp := p.KeyAt(mid).Compare(key)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

// LowerBound returns the first slot whose key is >= key (size if none).
func (p *leafPage) LowerBound(key Key) int32 {
	size := p.Size()
	lo, hi := int32(0), size
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.KeyAt(mid).Compare(key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertAt shifts slots [at, size) right by one and places (key, rid) at
// slot at.
func (p *leafPage) InsertAt(at int32, key IntKey, rid basic.RID) {
	size := p.Size()
	for i := size; i > at; i-- {
		p.setKeyAt(i, p.KeyAt(i-1))
		p.setRIDAt(i, p.RIDAt(i-1))
	}
	p.setKeyAt(at, key)
	p.setRIDAt(at, rid)
	p.setSize(size + 1)
}

// RemoveAt deletes slot at, shifting successors left.
func (p *leafPage) RemoveAt(at int32) {
	size := p.Size()
	for i := at; i < size-1; i++ {
		p.setKeyAt(i, p.KeyAt(i+1))
		p.setRIDAt(i, p.RIDAt(i+1))
	}
	p.setSize(size - 1)
}
