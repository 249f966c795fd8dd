package lock

import (
	"sort"
	"sync"
	"time"

	"ferrodb/engine/basic"
	"ferrodb/logger"
)

// lockRequest is one entry in a resource's FIFO queue.
type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
	aborted bool
}

// requestQueue serializes every lock request against one resource (a table
// or a row). Its condition variable is paired with its own mutex, so a
// blocked requester parks with the mutex released — letting both the
// granter (on release) and the deadlock detector (on a tick) make progress
// against the very queue a request is sleeping on.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading basic.TxnID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{upgrading: InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *requestQueue) findGranted(txnID basic.TxnID) *lockRequest {
	for _, r := range q.requests {
		if r.granted && r.txn.ID() == txnID {
			return r
		}
	}
	return nil
}

func (q *requestQueue) remove(target *lockRequest) {
	filtered := q.requests[:0]
	for _, r := range q.requests {
		if r != target {
			filtered = append(filtered, r)
		}
	}
	q.requests = filtered
}

// grant computes held from every currently granted request first — not
// just the ones positioned earlier in the slice, since an upgrade is
// prepended to the front and would otherwise see an empty held set — then
// grants ungranted requests against that full set. If the queue has an
// upgrader, only its request may be granted (upgraders have priority over
// newly arrived peers); otherwise requests are granted in FIFO order,
// stopping at the first one incompatible with what's held so far.
func (q *requestQueue) grant() {
	var held []LockMode
	for _, r := range q.requests {
		if r.granted && !r.aborted {
			held = append(held, r.mode)
		}
	}

	if q.upgrading != InvalidTxnID {
		for _, r := range q.requests {
			if r.aborted || r.granted {
				continue
			}
			if r.txn.ID() == q.upgrading && allCompatible(held, r.mode) {
				r.granted = true
			}
			break
		}
		q.cond.Broadcast()
		return
	}

	for _, r := range q.requests {
		if r.aborted || r.granted {
			continue
		}
		if !allCompatible(held, r.mode) {
			break
		}
		r.granted = true
		held = append(held, r.mode)
	}
	q.cond.Broadcast()
}

// Manager is the lock manager: one request queue per table, one per row,
// a wait-for graph rebuilt from those queues, and a background goroutine
// that aborts the youngest transaction in any cycle it finds.
type Manager struct {
	mu         sync.Mutex
	tableLocks map[TableID]*requestQueue
	rowLocks   map[basic.RID]*requestQueue

	detectInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewManager starts the deadlock detector, ticking every detectInterval.
func NewManager(detectInterval time.Duration) *Manager {
	m := &Manager{
		tableLocks:     make(map[TableID]*requestQueue),
		rowLocks:       make(map[basic.RID]*requestQueue),
		detectInterval: detectInterval,
		stopCh:         make(chan struct{}),
	}
	go m.runDetection()
	return m
}

// Close stops the deadlock detector. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) tableQueue(id TableID) *requestQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.tableLocks[id]
	if !ok {
		q = newRequestQueue()
		m.tableLocks[id] = q
	}
	return q
}

func (m *Manager) rowQueue(rid basic.RID) *requestQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rowLocks[rid]
	if !ok {
		q = newRequestQueue()
		m.rowLocks[rid] = q
	}
	return q
}

// checkAdmission enforces the two-phase-locking rules tied to isolation
// level: what can be requested at all, and in which phase.
func checkAdmission(txn *Transaction, mode LockMode) error {
	state := txn.State()
	if state == TxnAborted {
		return basic.ErrTransactionAborted
	}

	iso := txn.IsolationLevel()
	if iso == ReadUncommitted && (mode == LockS || mode == LockIS || mode == LockSIX) {
		return basic.ErrSharedOnReadUncommitted
	}

	if state != TxnShrinking {
		return nil
	}

	switch iso {
	case RepeatableRead:
		return basic.ErrLockOnShrinking
	case ReadCommitted:
		if mode == LockIS || mode == LockS {
			return nil
		}
		return basic.ErrLockOnShrinking
	case ReadUncommitted:
		return basic.ErrLockOnShrinking
	default:
		return basic.ErrLockOnShrinking
	}
}

// LockTable acquires mode on tableID for txn, blocking until granted,
// refused by the compatibility/upgrade rules, or chosen as a deadlock
// victim.
func (m *Manager) LockTable(txn *Transaction, mode LockMode, tableID TableID) error {
	if err := checkAdmission(txn, mode); err != nil {
		return err
	}

	q := m.tableQueue(tableID)
	q.mu.Lock()

	if existing := q.findGranted(txn.ID()); existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if q.upgrading != InvalidTxnID && q.upgrading != txn.ID() {
			q.mu.Unlock()
			return basic.ErrUpgradeConflict
		}
		if !canUpgrade(existing.mode, mode) {
			q.mu.Unlock()
			return basic.ErrIncompatibleUpgrade
		}
		q.remove(existing)
		req := &lockRequest{txn: txn, mode: mode}
		q.requests = append([]*lockRequest{req}, q.requests...)
		q.upgrading = txn.ID()
		m.waitForGrant(q, req)
		q.upgrading = InvalidTxnID
		aborted := req.aborted
		q.mu.Unlock()

		txn.removeTableLock(existing.mode, tableID)
		if aborted {
			return basic.ErrTransactionAborted
		}
		txn.addTableLock(mode, tableID)
		return nil
	}

	req := &lockRequest{txn: txn, mode: mode}
	q.requests = append(q.requests, req)
	m.waitForGrant(q, req)
	aborted := req.aborted
	q.mu.Unlock()

	if aborted {
		return basic.ErrTransactionAborted
	}
	txn.addTableLock(mode, tableID)
	return nil
}

// waitForGrant runs one grant pass and then blocks until req is resolved.
// If the deadlock detector aborts req while it waits, the request is
// dropped from the queue here (and upgrading cleared if req owned it)
// before the caller is woken with failure, so a victim leaves no trace
// in the queue it was waiting on. Caller holds q.mu.
func (m *Manager) waitForGrant(q *requestQueue, req *lockRequest) {
	q.grant()
	for !req.granted && !req.aborted {
		q.cond.Wait()
	}
	if req.aborted {
		q.remove(req)
		if q.upgrading == req.txn.ID() {
			q.upgrading = InvalidTxnID
		}
		q.cond.Broadcast()
	}
}

// UnlockTable releases txn's lock on tableID. Fails if row locks on that
// table are still held, or if no table lock is held at all.
func (m *Manager) UnlockTable(txn *Transaction, tableID TableID) error {
	if txn.hasRowLocksOnTable(tableID) {
		return basic.ErrTableUnlockedBeforeRow
	}

	q := m.tableQueue(tableID)
	q.mu.Lock()
	req := q.findGranted(txn.ID())
	if req == nil {
		q.mu.Unlock()
		return basic.ErrUnlockWithoutHold
	}
	q.remove(req)
	q.grant()
	q.mu.Unlock()

	txn.removeTableLock(req.mode, tableID)
	advanceOnUnlock(txn, req.mode)
	return nil
}

// LockRow acquires S or X on rid within tableID. The caller must already
// hold a table-level lock compatible with the requested row mode.
func (m *Manager) LockRow(txn *Transaction, mode LockMode, tableID TableID, rid basic.RID) error {
	if mode != LockS && mode != LockX {
		return basic.ErrIntentionLockOnRow
	}
	if err := checkAdmission(txn, mode); err != nil {
		return err
	}
	tableMode, ok := txn.tableLockMode(tableID)
	if !ok || !tableModeCoversRow(tableMode, mode) {
		return basic.ErrTableLockNotPresent
	}

	q := m.rowQueue(rid)
	q.mu.Lock()

	if existing := q.findGranted(txn.ID()); existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if q.upgrading != InvalidTxnID && q.upgrading != txn.ID() {
			q.mu.Unlock()
			return basic.ErrUpgradeConflict
		}
		if !canUpgrade(existing.mode, mode) {
			q.mu.Unlock()
			return basic.ErrIncompatibleUpgrade
		}
		q.remove(existing)
		req := &lockRequest{txn: txn, mode: mode}
		q.requests = append([]*lockRequest{req}, q.requests...)
		q.upgrading = txn.ID()
		m.waitForGrant(q, req)
		q.upgrading = InvalidTxnID
		aborted := req.aborted
		q.mu.Unlock()

		txn.removeRowLock(existing.mode, tableID, rid)
		if aborted {
			return basic.ErrTransactionAborted
		}
		txn.addRowLock(mode, tableID, rid)
		return nil
	}

	req := &lockRequest{txn: txn, mode: mode}
	q.requests = append(q.requests, req)
	m.waitForGrant(q, req)
	aborted := req.aborted
	q.mu.Unlock()

	if aborted {
		return basic.ErrTransactionAborted
	}
	txn.addRowLock(mode, tableID, rid)
	return nil
}

// UnlockRow releases txn's lock on rid. force skips the "still in growing
// phase" bookkeeping, used when a transaction is tearing down every lock
// it holds during abort regardless of its 2PL phase.
func (m *Manager) UnlockRow(txn *Transaction, tableID TableID, rid basic.RID, force bool) error {
	q := m.rowQueue(rid)
	q.mu.Lock()
	req := q.findGranted(txn.ID())
	if req == nil {
		q.mu.Unlock()
		return basic.ErrUnlockWithoutHold
	}
	q.remove(req)
	q.grant()
	q.mu.Unlock()

	txn.removeRowLock(req.mode, tableID, rid)
	if !force {
		advanceOnUnlock(txn, req.mode)
	}
	return nil
}

// advanceOnUnlock moves txn from growing to shrinking when releasing mode
// ends its right to acquire further locks under its isolation level.
func advanceOnUnlock(txn *Transaction, mode LockMode) {
	if txn.State() != TxnGrowing {
		return
	}
	switch txn.IsolationLevel() {
	case RepeatableRead:
		if mode == LockS || mode == LockX {
			txn.SetState(TxnShrinking)
		}
	case ReadCommitted, ReadUncommitted:
		if mode == LockX {
			txn.SetState(TxnShrinking)
		}
	}
}

// runDetection ticks the background cycle search until Close.
func (m *Manager) runDetection() {
	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if victim, ok := m.findVictim(); ok {
				m.abort(victim)
			}
		}
	}
}

// findVictim rebuilds the wait-for graph from every queue's current state
// and returns the youngest transaction id on the first cycle found,
// walking candidate start nodes in ascending id order for determinism.
func (m *Manager) findVictim() (*Transaction, bool) {
	edges, txns := m.buildWaitForGraph()

	ids := make([]basic.TxnID, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, start := range ids {
		if cycle := findCycle(start, edges); cycle != nil {
			victimID := youngest(cycle)
			return txns[victimID], true
		}
	}
	return nil, false
}

func (m *Manager) buildWaitForGraph() (map[basic.TxnID]map[basic.TxnID]bool, map[basic.TxnID]*Transaction) {
	edges := make(map[basic.TxnID]map[basic.TxnID]bool)
	txns := make(map[basic.TxnID]*Transaction)

	m.mu.Lock()
	queues := make([]*requestQueue, 0, len(m.tableLocks)+len(m.rowLocks))
	for _, q := range m.tableLocks {
		queues = append(queues, q)
	}
	for _, q := range m.rowLocks {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		var granted []*lockRequest
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r)
			}
		}
		for _, r := range q.requests {
			if r.granted || r.aborted {
				continue
			}
			txns[r.txn.ID()] = r.txn
			for _, g := range granted {
				if g.txn.ID() == r.txn.ID() {
					continue
				}
				txns[g.txn.ID()] = g.txn
				if edges[r.txn.ID()] == nil {
					edges[r.txn.ID()] = make(map[basic.TxnID]bool)
				}
				edges[r.txn.ID()][g.txn.ID()] = true
			}
		}
		q.mu.Unlock()
	}
	return edges, txns
}

// findCycle runs DFS from start, visiting each node's out-edges in
// ascending id order, and returns the first cycle encountered as the
// slice of node ids on it.
func findCycle(start basic.TxnID, edges map[basic.TxnID]map[basic.TxnID]bool) []basic.TxnID {
	var path []basic.TxnID
	onPath := make(map[basic.TxnID]bool)
	visited := make(map[basic.TxnID]bool)

	var dfs func(basic.TxnID) []basic.TxnID
	dfs = func(node basic.TxnID) []basic.TxnID {
		visited[node] = true
		onPath[node] = true
		path = append(path, node)

		neighbors := make([]basic.TxnID, 0, len(edges[node]))
		for n := range edges[node] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, n := range neighbors {
			if onPath[n] {
				// Found the cycle: the suffix of path from n's first
				// occurrence to here.
				for i, p := range path {
					if p == n {
						return append([]basic.TxnID{}, path[i:]...)
					}
				}
			}
			if !visited[n] {
				if cyc := dfs(n); cyc != nil {
					return cyc
				}
			}
		}

		path = path[:len(path)-1]
		onPath[node] = false
		return nil
	}

	return dfs(start)
}

func youngest(cycle []basic.TxnID) basic.TxnID {
	max := cycle[0]
	for _, id := range cycle[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abort marks victim aborted and wakes every queue it's waiting on, so its
// blocked LockTable/LockRow call returns ErrTransactionAborted and the
// transaction manager can roll it back.
func (m *Manager) abort(victim *Transaction) {
	logger.Warnf("lock: aborting txn %d to break a deadlock cycle", victim.ID())
	victim.SetState(TxnAborted)

	m.mu.Lock()
	queues := make([]*requestQueue, 0, len(m.tableLocks)+len(m.rowLocks))
	for _, q := range m.tableLocks {
		queues = append(queues, q)
	}
	for _, q := range m.rowLocks {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for _, r := range q.requests {
			if !r.granted && r.txn.ID() == victim.ID() {
				r.aborted = true
			}
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
