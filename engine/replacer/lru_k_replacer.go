// Package replacer implements the LRU-K eviction policy used by the buffer
// pool to pick which resident, unpinned frame to reclaim next.
package replacer

import (
	"container/list"
	"sync"

	"ferrodb/engine/basic"
)

// node is the per-frame bookkeeping the replacer keeps: up to k access
// timestamps, most recent at the front, and whether the frame may be
// evicted right now.
type node struct {
	frameID   basic.FrameID
	history   *list.List // of int64 timestamps, front = most recent
	evictable bool
}

// LRUKReplacer selects an eviction victim by backward k-distance: the gap
// between now and the k-th most recent access. A frame with fewer than k
// recorded accesses has infinite backward distance; among infinite-distance
// frames ties break by earliest first access (classic LRU for cold frames).
type LRUKReplacer struct {
	mu sync.Mutex

	k            int
	replacerSize int
	currentTS    int64
	currSize     int
	nodes        map[basic.FrameID]*node
}

// NewLRUKReplacer constructs a replacer tracking up to replacerSize frames
// with the given k.
func NewLRUKReplacer(replacerSize, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:            k,
		replacerSize: replacerSize,
		nodes:        make(map[basic.FrameID]*node, replacerSize),
	}
}

// RecordAccess appends the current timestamp to frameID's history,
// truncating to the k most recent entries, and advances the clock. It
// creates the node if this is the first time frameID is seen.
func (r *LRUKReplacer) RecordAccess(frameID basic.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[frameID]
	if !ok {
		n = &node{frameID: frameID, history: list.New()}
		r.nodes[frameID] = n
	}

	n.history.PushFront(r.currentTS)
	for n.history.Len() > r.k {
		n.history.Remove(n.history.Back())
	}
	r.currentTS++
}

// SetEvictable flips the evictable flag for frameID, adjusting curr_size.
// It is a no-op for an unknown frame.
func (r *LRUKReplacer) SetEvictable(frameID basic.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if n.evictable == evictable {
		return
	}
	n.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict picks the evictable frame with the largest backward k-distance,
// removes its node, and returns it. The second return is false if no
// frame is currently evictable.
func (r *LRUKReplacer) Evict() (basic.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return 0, false
	}

	var (
		victim      *node
		victimDist  int64 = -1
		victimFirst int64
		haveVictim  bool
	)

	for _, n := range r.nodes {
		if !n.evictable {
			continue
		}

		dist, first := backwardDistance(n, r.k, r.currentTS)
		if !haveVictim || better(dist, first, victimDist, victimFirst) {
			victim = n
			victimDist = dist
			victimFirst = first
			haveVictim = true
		}
	}

	if !haveVictim {
		return 0, false
	}

	delete(r.nodes, victim.frameID)
	r.currSize--
	return victim.frameID, true
}

// Remove drops frameID's node entirely. It is only valid to call this on an
// evictable frame; removing a pinned (non-evictable) frame is a usage bug.
func (r *LRUKReplacer) Remove(frameID basic.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[frameID]
	if !ok {
		return nil
	}
	if !n.evictable {
		return basic.ErrFrameNotEvictable
	}
	delete(r.nodes, frameID)
	r.currSize--
	return nil
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

// backwardDistance returns (distance, firstSeenTimestamp) for a node.
// distance is infiniteDistance (treated as "infinite") when fewer than k
// accesses have been recorded.
func backwardDistance(n *node, k int, now int64) (dist int64, firstSeen int64) {
	oldest := n.history.Back().Value.(int64)
	if n.history.Len() < k {
		return infiniteDistance, oldest
	}
	// History is capped at k entries, so the back element is exactly the
	// k-th most recent access.
	return now - oldest, oldest
}

// infiniteDistance stands in for +infinity: any node with fewer than k
// accesses compares as farther than any node with a finite distance.
const infiniteDistance = int64(1) << 62

// better reports whether candidate (dist, first) should replace the current
// victim (vDist, vFirst): larger distance wins; among infinite-distance
// nodes, the earliest first-access wins (plain LRU tie-break).
func better(dist, first, vDist, vFirst int64) bool {
	if dist != vDist {
		return dist > vDist
	}
	if dist == infiniteDistance {
		return first < vFirst
	}
	return false
}
