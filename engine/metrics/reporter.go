// Package metrics samples the storage engine's counters on an interval and
// can push them to subscribers over a websocket, the way an operator's
// dashboard would poll a running server.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ferrodb/engine/buffer"
	"ferrodb/logger"
)

// Snapshot is one sample of the engine's counters, matching the shape of
// the teacher's buffer pool stats struct but scoped to what this engine
// actually tracks.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	PoolSize   int    `json:"pool_size"`
	FreeFrames int    `json:"free_frames"`
	DirtyPages int    `json:"dirty_pages"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	DiskReads  uint64 `json:"disk_reads"`
	DiskWrites uint64 `json:"disk_writes"`
}

func (s Snapshot) hitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// diskStats narrows disk.Manager to what a snapshot needs, so this package
// doesn't have to import disk directly for one method call.
type diskStats interface {
	Stats() (reads, writes uint64)
}

// Reporter samples a buffer pool (and its disk manager) on an interval and
// fans each sample out to every currently-connected websocket subscriber.
type Reporter struct {
	bpm  *buffer.Manager
	disk diskStats

	interval time.Duration

	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
	latest      Snapshot

	upgrader websocket.Upgrader
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReporter builds a reporter sampling bpm every interval.
func NewReporter(bpm *buffer.Manager, disk diskStats, interval time.Duration) *Reporter {
	return &Reporter{
		bpm:         bpm,
		disk:        disk,
		interval:    interval,
		subscribers: make(map[*websocket.Conn]struct{}),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		stopCh:      make(chan struct{}),
	}
}

// Run samples on interval until Stop is called. Intended to run in its
// own goroutine.
func (r *Reporter) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

// Stop ends the sampling loop. Idempotent.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reporter) sample() {
	hits, misses, evicts := r.bpm.Stats()
	reads, writes := r.disk.Stats()

	snap := Snapshot{
		Timestamp:  time.Now(),
		PoolSize:   r.bpm.PoolSize(),
		FreeFrames: r.bpm.FreeFrames(),
		DirtyPages: r.bpm.DirtyPages(),
		Hits:       hits,
		Misses:     misses,
		Evictions:  evicts,
		DiskReads:  reads,
		DiskWrites: writes,
	}

	r.mu.Lock()
	r.latest = snap
	subs := make([]*websocket.Conn, 0, len(r.subscribers))
	for c := range r.subscribers {
		subs = append(subs, c)
	}
	r.mu.Unlock()

	logger.Debugf("metrics: pool=%d/%d dirty=%d hit_ratio=%.2f evictions=%d",
		r.bpm.PoolSize()-snap.FreeFrames, r.bpm.PoolSize(), snap.DirtyPages, snap.hitRatio(), snap.Evictions)

	for _, c := range subs {
		if err := c.WriteJSON(snap); err != nil {
			r.removeSubscriber(c)
			_ = c.Close()
		}
	}
}

// Latest returns the most recent sample taken.
func (r *Reporter) Latest() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

func (r *Reporter) addSubscriber(c *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[c] = struct{}{}
}

func (r *Reporter) removeSubscriber(c *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, c)
}

// ServeHTTP upgrades the connection and registers it as a subscriber; the
// connection is dropped the moment a write to it fails.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("metrics: websocket upgrade failed: %v", err)
		return
	}
	r.addSubscriber(conn)

	if err := conn.WriteJSON(r.Latest()); err != nil {
		r.removeSubscriber(conn)
		_ = conn.Close()
		return
	}

	// Drain and discard anything the client sends, just to notice when it
	// closes the connection.
	go func() {
		defer func() {
			r.removeSubscriber(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// MarshalLatest is a convenience for callers that just want one sample as
// JSON bytes, without standing up a websocket (a CLI printing a snapshot,
// say).
func (r *Reporter) MarshalLatest() ([]byte, error) {
	return json.Marshal(r.Latest())
}
