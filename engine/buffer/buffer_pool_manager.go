// Package buffer implements the fixed-capacity page cache every higher
// layer goes through: it maps page IDs to frames, pins pages for safe
// access, evicts under the LRU-K policy, and flushes dirty frames back to
// disk. Nothing above this package is allowed to touch a page's bytes
// without first going through a guard obtained here.
package buffer

import (
	"sync"
	"sync/atomic"

	"ferrodb/engine/basic"
	"ferrodb/engine/disk"
	"ferrodb/engine/replacer"
	"ferrodb/logger"
)

// Manager is the buffer pool: pool_size frames, a page table mapping
// resident page IDs to frames, a free list, and the LRU-K replacer that
// decides what to evict when the free list runs dry.
type Manager struct {
	mu sync.Mutex

	poolSize int
	frames   []*Page
	pageTbl  map[basic.PageID]basic.FrameID
	freeList []basic.FrameID

	replacer *replacer.LRUKReplacer
	disk     *disk.Manager

	nextPageID int32

	hits   uint64
	misses uint64
	evicts uint64
}

// NewManager builds a pool of poolSize frames of diskMgr.PayloadSize()
// bytes each, replaced under LRU-K with the given k.
func NewManager(poolSize, k int, diskMgr *disk.Manager) *Manager {
	frames := make([]*Page, poolSize)
	free := make([]basic.FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = newPage(diskMgr.PayloadSize())
		free[i] = basic.FrameID(i)
	}

	return &Manager{
		poolSize: poolSize,
		frames:   frames,
		pageTbl:  make(map[basic.PageID]basic.FrameID, poolSize),
		freeList: free,
		replacer: replacer.NewLRUKReplacer(poolSize, k),
		disk:     diskMgr,
	}
}

// NewPage allocates a fresh page ID, backs it with a frame (from the free
// list, or by evicting), pins it once, and returns it.
func (m *Manager) NewPage() (*Page, basic.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, err := m.acquireFrame()
	if err != nil {
		return nil, basic.InvalidPageID, err
	}

	id := basic.PageID(atomic.AddInt32(&m.nextPageID, 1) - 1)
	page := m.frames[frameID]
	page.reset(id)
	page.pinCount = 1

	m.pageTbl[id] = frameID
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	return page, id, nil
}

// FetchPage returns the page for pageID, pinning it. If it isn't resident
// it is read from disk into a frame secured the same way NewPage secures
// one.
func (m *Manager) FetchPage(pageID basic.PageID) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID, ok := m.pageTbl[pageID]; ok {
		m.hits++
		page := m.frames[frameID]
		page.pinCount++
		m.replacer.RecordAccess(frameID)
		m.replacer.SetEvictable(frameID, false)
		return page, nil
	}

	m.misses++
	frameID, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}

	page := m.frames[frameID]
	page.reset(pageID)
	if err := m.disk.ReadPage(pageID, page.data); err != nil {
		// Leave the frame free; the caller gets the error and the frame
		// does not leak into the page table.
		m.frames[frameID].reset(basic.InvalidPageID)
		m.freeList = append(m.freeList, frameID)
		return nil, err
	}

	page.pinCount = 1
	m.pageTbl[pageID] = frameID
	m.replacer.RecordAccess(frameID)
	m.replacer.SetEvictable(frameID, false)

	return page, nil
}

// UnpinPage decrements pageID's pin count, marking it was_dirtied if the
// caller mutated it. Once the count reaches zero the frame becomes
// evictable. Returns false if pageID is not resident or already unpinned.
func (m *Manager) UnpinPage(pageID basic.PageID, wasDirtied bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageTbl[pageID]
	if !ok {
		return false
	}
	page := m.frames[frameID]
	if page.pinCount <= 0 {
		return false
	}

	if wasDirtied {
		page.isDirty = true
	}

	page.pinCount--
	if page.pinCount == 0 {
		m.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes pageID's current bytes to disk unconditionally,
// regardless of pin count, and clears its dirty flag.
func (m *Manager) FlushPage(pageID basic.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(pageID)
}

func (m *Manager) flushLocked(pageID basic.PageID) bool {
	frameID, ok := m.pageTbl[pageID]
	if !ok {
		return false
	}
	page := m.frames[frameID]
	if err := m.disk.WritePage(pageID, page.data); err != nil {
		logger.Errorf("buffer: flush page %d failed: %v", pageID, err)
		return false
	}
	page.isDirty = false
	return true
}

// FlushAll writes every dirty resident page to disk.
func (m *Manager) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pageID, frameID := range m.pageTbl {
		if m.frames[frameID].isDirty {
			m.flushLocked(pageID)
		}
	}
}

// DeletePage removes pageID from the pool and retires its ID, returning the
// frame to the free list. Fails if the page is still pinned.
func (m *Manager) DeletePage(pageID basic.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageTbl[pageID]
	if !ok {
		return false
	}
	page := m.frames[frameID]
	if page.pinCount > 0 {
		return false
	}

	delete(m.pageTbl, pageID)
	_ = m.replacer.Remove(frameID) // frame was evictable (pin==0); no-op if already gone
	page.reset(basic.InvalidPageID)
	m.freeList = append(m.freeList, frameID)
	return true
}

// PoolSize is the number of frames this pool manages.
func (m *Manager) PoolSize() int { return m.poolSize }

// Stats returns hit/miss/evict counters for the observability layer.
func (m *Manager) Stats() (hits, misses, evicts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses, m.evicts
}

// FreeFrames reports how many frames are on the free list right now.
func (m *Manager) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freeList)
}

// DirtyPages reports how many resident pages currently carry unflushed
// writes.
func (m *Manager) DirtyPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, frameID := range m.pageTbl {
		if m.frames[frameID].isDirty {
			n++
		}
	}
	return n
}

// acquireFrame returns a usable frame ID: from the free list first, else by
// evicting (flushing first if the victim is dirty). Caller must hold mu.
func (m *Manager) acquireFrame() (basic.FrameID, error) {
	if n := len(m.freeList); n > 0 {
		frameID := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return frameID, nil
	}

	frameID, ok := m.replacer.Evict()
	if !ok {
		return 0, basic.ErrNoFrameAvailable
	}
	m.evicts++

	victim := m.frames[frameID]
	if victim.isDirty && victim.id != basic.InvalidPageID {
		if err := m.disk.WritePage(victim.id, victim.data); err != nil {
			logger.Errorf("buffer: eviction flush of page %d failed: %v", victim.id, err)
		}
	}
	if victim.id != basic.InvalidPageID {
		delete(m.pageTbl, victim.id)
	}

	return frameID, nil
}
