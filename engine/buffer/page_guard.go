package buffer

import "ferrodb/engine/basic"

// BasicGuard owns exactly one pin on a page. Drop unpins the page, marking
// it dirty if the caller mutated it; nothing unpins it implicitly, so every
// guard must be dropped explicitly. Move-only: copying a guard
// would double-unpin.
type BasicGuard struct {
	bpm    *Manager
	page   *Page
	dirty  bool
	active bool
}

// newBasicGuard wraps an already-pinned page. Used internally by the
// pool's fetch/new helpers; callers normally get a guard from those, not
// from this constructor directly.
func newBasicGuard(bpm *Manager, page *Page) *BasicGuard {
	return &BasicGuard{bpm: bpm, page: page, active: true}
}

// Page exposes the underlying page. Valid only while the guard is active.
func (g *BasicGuard) Page() *Page { return g.page }

// PageID is a convenience accessor.
func (g *BasicGuard) PageID() basic.PageID {
	if !g.active {
		return basic.InvalidPageID
	}
	return g.page.ID()
}

// MarkDirty records that the caller is about to mutate the page's bytes,
// so Drop unpins with was_dirtied=true.
func (g *BasicGuard) MarkDirty() { g.dirty = true }

// Move transfers ownership to a new BasicGuard value and empties the
// source, so the source's Drop becomes a no-op.
func (g *BasicGuard) Move() *BasicGuard {
	moved := &BasicGuard{bpm: g.bpm, page: g.page, dirty: g.dirty, active: g.active}
	g.active = false
	g.bpm = nil
	g.page = nil
	return moved
}

// Drop unpins the page. Idempotent: calling it more than once, or on an
// already-moved-from guard, is a no-op.
func (g *BasicGuard) Drop() {
	if !g.active {
		return
	}
	g.bpm.UnpinPage(g.page.ID(), g.dirty)
	g.active = false
	g.bpm = nil
	g.page = nil
}

// ReadGuard owns one pin and the page's read latch.
type ReadGuard struct {
	inner *BasicGuard
}

func newReadGuard(bpm *Manager, page *Page) *ReadGuard {
	page.RLatch()
	return &ReadGuard{inner: newBasicGuard(bpm, page)}
}

func (g *ReadGuard) Page() *Page          { return g.inner.Page() }
func (g *ReadGuard) PageID() basic.PageID { return g.inner.PageID() }

// Move transfers ownership, emptying the source.
func (g *ReadGuard) Move() *ReadGuard {
	return &ReadGuard{inner: g.inner.Move()}
}

// Drop releases the read latch, then unpins. Idempotent. The order
// matters: unpinning first would let the pool consider this frame
// evictable while the latch is still held, and eviction never
// re-acquires a frame's latch before reusing it.
func (g *ReadGuard) Drop() {
	if g.inner == nil || !g.inner.active {
		return
	}
	page := g.inner.page
	page.RUnlatch()
	g.inner.Drop()
}

// Downgrade builds a BasicGuard from this guard's pin, without the latch,
// leaving the ReadGuard empty. Callers must already hold whatever
// higher-level lookup mutex makes this swap safe, per the design's
// no-in-place-upgrade rule: there is deliberately no symmetric Upgrade.
func (g *ReadGuard) Downgrade() *BasicGuard {
	page := g.inner.page
	basicGuard := g.inner.Move()
	page.RUnlatch()
	return basicGuard
}

// WriteGuard owns one pin and the page's write latch.
type WriteGuard struct {
	inner *BasicGuard
}

func newWriteGuard(bpm *Manager, page *Page) *WriteGuard {
	page.WLatch()
	guard := newBasicGuard(bpm, page)
	guard.dirty = true
	return &WriteGuard{inner: guard}
}

func (g *WriteGuard) Page() *Page          { return g.inner.Page() }
func (g *WriteGuard) PageID() basic.PageID { return g.inner.PageID() }

// Move transfers ownership, emptying the source.
func (g *WriteGuard) Move() *WriteGuard {
	return &WriteGuard{inner: g.inner.Move()}
}

// Drop releases the write latch, then unpins. Idempotent. See ReadGuard.Drop
// for why the latch must go first.
func (g *WriteGuard) Drop() {
	if g.inner == nil || !g.inner.active {
		return
	}
	page := g.inner.page
	page.WUnlatch()
	g.inner.Drop()
}

// FetchBasic pins pageID and returns a BasicGuard, with no latch taken.
func (m *Manager) FetchBasic(pageID basic.PageID) (*BasicGuard, error) {
	page, err := m.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newBasicGuard(m, page), nil
}

// FetchRead pins pageID and returns it behind a read latch. The latch is
// acquired only after the pin is secured, never before.
func (m *Manager) FetchRead(pageID basic.PageID) (*ReadGuard, error) {
	page, err := m.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newReadGuard(m, page), nil
}

// FetchWrite pins pageID and returns it behind a write latch.
func (m *Manager) FetchWrite(pageID basic.PageID) (*WriteGuard, error) {
	page, err := m.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newWriteGuard(m, page), nil
}

// NewGuarded allocates a fresh page and returns it behind a write latch,
// the shape every B+ tree page allocation uses: the temporary pin from
// NewPage is kept, but only the write latch below makes it safe to hand to
// another goroutine that might observe the page mid-initialization.
func (m *Manager) NewGuarded() (*WriteGuard, basic.PageID, error) {
	page, id, err := m.NewPage()
	if err != nil {
		return nil, basic.InvalidPageID, err
	}
	return newWriteGuard(m, page), id, nil
}
