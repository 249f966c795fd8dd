package buffer

import (
	"sync"

	"ferrodb/engine/basic"
)

// Page is a fixed-size byte buffer plus the metadata the buffer pool and
// its latch protocol need: identity, pin count, dirty flag, and a
// reader/writer latch guarding the bytes themselves.
type Page struct {
	latch sync.RWMutex

	id       basic.PageID
	data     []byte
	pinCount int
	isDirty  bool
}

func newPage(size int) *Page {
	return &Page{
		id:   basic.InvalidPageID,
		data: make([]byte, size),
	}
}

// ID returns the page's identity. Only meaningful while the page is
// resident; callers must hold the pool's pin on it.
func (p *Page) ID() basic.PageID { return p.id }

// Data exposes the raw bytes. Mutating them requires the write latch.
func (p *Page) Data() []byte { return p.data }

// PinCount reports the current pin count. Intended for tests/diagnostics.
func (p *Page) PinCount() int { return p.pinCount }

// IsDirty reports whether the page has unflushed writes.
func (p *Page) IsDirty() bool { return p.isDirty }

// RLatch / RUnlatch / WLatch / WUnlatch expose the page's reader/writer
// latch directly. Guards (ReadGuard/WriteGuard) are the preferred entry
// point; these exist for the rare caller that needs manual control.
func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }

func (p *Page) reset(id basic.PageID) {
	p.id = id
	p.pinCount = 0
	p.isDirty = false
	for i := range p.data {
		p.data[i] = 0
	}
}
