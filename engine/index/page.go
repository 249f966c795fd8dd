package index

import (
	"encoding/binary"

	"ferrodb/engine/basic"
)

// pageKind tags which typed view a resident page's bytes should be read
// through — the tagged-union discipline the design notes call for when a
// memory-safe language can't just reinterpret a C struct in place.
type pageKind int32

const (
	pageKindInvalid pageKind = iota
	pageKindHeader
	pageKindInternal
	pageKindLeaf
)

// commonHeaderSize is kind(4) + size(4) + maxSize(4).
const commonHeaderSize = 12

func readInt32(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off : off+4]))
}

func writeInt32(b []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
}

func readUint64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

func writeUint64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

func kindOf(buf []byte) pageKind {
	return pageKind(readInt32(buf, 0))
}

func setKind(buf []byte, k pageKind) {
	writeInt32(buf, 0, int32(k))
}

// headerPage is the single per-tree page holding only root_page_id.
type headerPage struct {
	buf []byte
}

const headerRootOffset = commonHeaderSize

func asHeaderPage(buf []byte) *headerPage {
	return &headerPage{buf: buf}
}

func initHeaderPage(buf []byte) *headerPage {
	setKind(buf, pageKindHeader)
	h := &headerPage{buf: buf}
	h.SetRootPageID(basic.InvalidPageID)
	return h
}

func (h *headerPage) RootPageID() basic.PageID {
	return basic.PageID(readInt32(h.buf, headerRootOffset))
}

func (h *headerPage) SetRootPageID(id basic.PageID) {
	writeInt32(h.buf, headerRootOffset, int32(id))
}
