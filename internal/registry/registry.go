package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/gpaulavicius/pgpool2/internal/config"
)

// Named per-field semaphores: distinct fields of the registry are
// each guarded by their own lock, and no lock nests inside another.
// golang.org/x/sync/semaphore.Weighted with weight 1 models a named,
// independently-acquirable critical section more faithfully than one
// shared sync.Mutex for the whole struct: these are separate locks
// callers may hold one at a time without nesting.
type namedSems struct {
	connCounter *semaphore.Weighted
	requestInfo *semaphore.Weighted
	shmCache *semaphore.Weighted
	queryCacheStats *semaphore.Weighted
	pcpRequest *semaphore.Weighted
	acceptFD *semaphore.Weighted
}

func newNamedSems() namedSems {
	return namedSems{
		connCounter: semaphore.NewWeighted(1),
		requestInfo: semaphore.NewWeighted(1),
		shmCache: semaphore.NewWeighted(1),
		queryCacheStats: semaphore.NewWeighted(1),
		pcpRequest: semaphore.NewWeighted(1),
		acceptFD: semaphore.NewWeighted(1),
	}
}

// reqQueueCap is the bounded ring's capacity.
const reqQueueCap = 1024

// ClusterRegistry is process-wide state shared by every frontend
// session worker and the parent/watchdog.
type ClusterRegistry struct {
	sems namedSems

	// backendDesc — single-writer (parent), multi-reader (workers via
	// Snapshot). Guarded by mu.
	mu sync.RWMutex
	backends []BackendState
	masterNodeID int
	primaryNodeID int
	switching bool
	generation uint64

	// connCounter — guarded by its own dedicated semaphore, not folded
	// into the backend-state lock above.
	connCounter int32

	// reqQueue — bounded ring, head/tail indices, guarded by the one
	// reqMu mutex (with reqCond for blocking pops).
	reqMu sync.Mutex
	reqHead int
	reqTail int
	reqLen int
	reqRing [reqQueueCap]*NodeOpRequest
	reqCond *sync.Cond

	statusChanged atomic.Bool
}

func NewClusterRegistry(cfg *config.Config) *ClusterRegistry {
	backends := make([]BackendState, len(cfg.Backends))
	masterID := -1
	primaryID := -1
	for i, d := range cfg.Backends {
		backends[i] = BackendState{Desc: d, Status: d.Status, Role: d.Role}
		if d.Status == config.StatusUp && masterID == -1 {
			masterID = i
		}
		if d.Role == config.RolePrimary && d.Status == config.StatusUp {
			primaryID = i
		}
	}
	r := &ClusterRegistry{
		sems: newNamedSems(),
		backends: backends,
		masterNodeID: masterID,
		primaryNodeID: primaryID,
	}
	r.reqCond = sync.NewCond(&r.reqMu)
	return r
}

// --- connCounter: dedicated semaphore ---

// IncConn increments connCounter under its dedicated semaphore. ctx
// cancellation is only honored while waiting to acquire the
// semaphore, never mid-update, so a caller can't observe a torn
// increment.
func (r *ClusterRegistry) IncConn(ctx context.Context) (int32, error) {
	if err := r.sems.connCounter.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer r.sems.connCounter.Release(1)
	r.connCounter++
	return r.connCounter, nil
}

func (r *ClusterRegistry) DecConn(ctx context.Context) (int32, error) {
	if err := r.sems.connCounter.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer r.sems.connCounter.Release(1)
	if r.connCounter > 0 {
		r.connCounter--
	}
	return r.connCounter, nil
}

func (r *ClusterRegistry) ConnCount() int32 {
	return atomic.LoadInt32(&r.connCounter)
}

// --- backend status / master / primary / switching ---

// SetStatus is the parent's single-writer mutation of one node's
// status. It never changes Role.
func (r *ClusterRegistry) SetStatus(nodeID int, status config.BackendStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nodeID < 0 || nodeID >= len(r.backends) {
		return fmt.Errorf("registry: no such node %d", nodeID)
	}
	r.backends[nodeID].Status = status
	r.recomputeMasterLocked()
	r.generation++
	r.statusChanged.Store(true)
	return nil
}

func (r *ClusterRegistry) SetRole(nodeID int, role config.BackendRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nodeID < 0 || nodeID >= len(r.backends) {
		return fmt.Errorf("registry: no such node %d", nodeID)
	}
	r.backends[nodeID].Role = role
	if role == config.RolePrimary && r.backends[nodeID].Status == config.StatusUp {
		r.primaryNodeID = nodeID
	}
	r.generation++
	r.statusChanged.Store(true)
	return nil
}

// recomputeMasterLocked recomputes masterNodeID: the lowest-indexed
// live node. Caller must hold mu.
func (r *ClusterRegistry) recomputeMasterLocked() {
	for i, b := range r.backends {
		if b.Status == config.StatusUp {
			r.masterNodeID = i
			return
		}
	}
	r.masterNodeID = -1
}

// SetWeight updates one node's static weight — the single mutable
// field a PoolConfigData merge patch is allowed to change, everything
// else about a BackendDescriptor being fixed at startup.
func (r *ClusterRegistry) SetWeight(nodeID int, weight float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nodeID < 0 || nodeID >= len(r.backends) {
		return fmt.Errorf("registry: no such node %d", nodeID)
	}
	r.backends[nodeID].Desc.Weight = weight
	r.generation++
	return nil
}

func (r *ClusterRegistry) SetSwitching(v bool) {
	r.mu.Lock()
	r.switching = v
	r.mu.Unlock()
}

func (r *ClusterRegistry) IsSwitching() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.switching
}

// StatusChanged reports (and clears) whether status has changed since
// the last call — workers poll this at loop boundaries.
func (r *ClusterRegistry) StatusChanged() bool {
	return r.statusChanged.Swap(false)
}

// Snapshot takes a private, point-in-time copy a worker keeps as its
// consistent view of cluster state for the duration of one query.
func (r *ClusterRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backends := make([]BackendState, len(r.backends))
	copy(backends, r.backends)
	return Snapshot{
		Backends: backends,
		MasterNodeID: r.masterNodeID,
		PrimaryNodeID: r.primaryNodeID,
		Switching: r.switching,
		Generation: r.generation,
	}
}

func (r *ClusterRegistry) AnyUp() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Status == config.StatusUp {
			return true
		}
	}
	return false
}

// --- bounded reqQueue ring ---

// PushRequest enqueues req, coalescing with an already-pending request
// of the identical (kind, sorted nodeIDs). Returns false if the queue
// is full and req was rejected.
func (r *ClusterRegistry) PushRequest(req *NodeOpRequest) bool {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	for i := 0; i < r.reqLen; i++ {
		idx := (r.reqHead + i) % reqQueueCap
		if sameOp(r.reqRing[idx], req) {
			// Coalesce: the pending request already covers this one.
			return true
		}
	}

	if r.reqLen >= reqQueueCap {
		return false
	}
	r.reqRing[r.reqTail] = req
	r.reqTail = (r.reqTail + 1) % reqQueueCap
	r.reqLen++
	r.reqCond.Signal()
	return true
}

// PopRequest is the parent's consumer-side dequeue; it blocks until a
// request is available or ctx is done.
func (r *ClusterRegistry) PopRequest(ctx context.Context) (*NodeOpRequest, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.reqMu.Lock()
			r.reqCond.Broadcast()
			r.reqMu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	for r.reqLen == 0 {
		if ctx.Err() != nil {
			return nil, false
		}
		r.reqCond.Wait()
	}
	req := r.reqRing[r.reqHead]
	r.reqRing[r.reqHead] = nil
	r.reqHead = (r.reqHead + 1) % reqQueueCap
	r.reqLen--
	return req, true
}

func sameOp(a, b *NodeOpRequest) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind || len(a.NodeIDs) != len(b.NodeIDs) {
		return false
	}
	seen := map[int]bool{}
	for _, id := range a.NodeIDs {
		seen[id] = true
	}
	for _, id := range b.NodeIDs {
		if !seen[id] {
			return false
		}
	}
	return true
}
