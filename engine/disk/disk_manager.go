// Package disk implements the synchronous, fixed-page-size I/O the buffer
// pool relies on, backed by a single OS file. Page payloads are checksummed
// with xxhash64 on write and verified on read.
package disk

import (
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"ferrodb/engine/basic"
	"ferrodb/logger"
)

// checksumSize is the trailer length xxhash64's digest occupies.
const checksumSize = 8

// Manager reads and writes fixed-size pages against a single backing file.
// allocate_page/deallocate_page style bookkeeping beyond plain byte I/O is
// left to the caller (the buffer pool owns page ID allocation).
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int

	reads  uint64
	writes uint64
}

// NewManager opens (creating if necessary) the file at path for fixed-size
// page I/O of pageSize bytes.
func NewManager(path string, pageSize int) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	return &Manager{file: f, pageSize: pageSize}, nil
}

// ReadPage fills buf (len must equal pageSize-checksumSize, the payload
// region) with the contents of pageID. A page beyond the current file
// length reads as all zeroes, which is what a freshly allocated page looks
// like before its first write.
func (m *Manager) ReadPage(pageID basic.PageID, buf []byte) error {
	if len(buf) != m.pageSize-checksumSize {
		return errors.Errorf("disk: read buffer must be %d bytes, got %d", m.pageSize-checksumSize, len(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(pageID) * int64(m.pageSize)
	raw := make([]byte, m.pageSize)

	n, err := m.file.ReadAt(raw, offset)
	if n < m.pageSize {
		// Not yet written (or a short tail): the unwritten part of raw is
		// already zero from make(), which is exactly what a freshly
		// allocated page looks like.
	} else if err != nil {
		return errors.Wrapf(err, "disk: read page %d", pageID)
	}
	m.reads++

	payload := raw[:m.pageSize-checksumSize]
	stored := raw[m.pageSize-checksumSize:]
	if !isZero(stored) {
		sum := checksum(payload)
		if !bytesEqual(sum, stored) {
			logger.Errorf("disk: checksum mismatch reading page %d", pageID)
			return basic.ErrPageCorrupted
		}
	}

	copy(buf, payload)
	return nil
}

// WritePage writes buf (the page payload, pageSize-checksumSize bytes) to
// pageID's slot, appending a freshly computed checksum trailer.
func (m *Manager) WritePage(pageID basic.PageID, buf []byte) error {
	if len(buf) != m.pageSize-checksumSize {
		return errors.Errorf("disk: write buffer must be %d bytes, got %d", m.pageSize-checksumSize, len(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	raw := make([]byte, m.pageSize)
	copy(raw, buf)
	copy(raw[m.pageSize-checksumSize:], checksum(buf))

	offset := int64(pageID) * int64(m.pageSize)
	if _, err := m.file.WriteAt(raw, offset); err != nil {
		return errors.Wrapf(err, "disk: write page %d", pageID)
	}
	m.writes++
	return nil
}

// Shutdown flushes and closes the backing file. Safe to call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Sync()
	closeErr := m.file.Close()
	m.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Stats returns (reads, writes) performed so far.
func (m *Manager) Stats() (reads, writes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}

// PayloadSize is the number of usable bytes per page once the checksum
// trailer is subtracted.
func (m *Manager) PayloadSize() int {
	return m.pageSize - checksumSize
}

func checksum(payload []byte) []byte {
	h := xxhash.New64()
	h.Write(payload)
	sum := h.Sum64()
	out := make([]byte, checksumSize)
	for i := 0; i < checksumSize; i++ {
		out[i] = byte(sum >> (8 * uint(i)))
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
