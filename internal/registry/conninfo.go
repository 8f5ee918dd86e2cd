package registry

import "sync"

// connInfoShards bounds lock contention on the shared cancel-routing
// table: it is read by whichever worker answers a CancelRequest,
// which is almost never the worker that owns the session it names, so
// a single mutex would serialize every worker's hot path behind
// cancel lookups from any other.
const connInfoShards = 32

// ConnKey identifies one pooled Entry for cancellation purposes: the
// (backend pid, cancel key) pair pgpool2 handed back to the client in
// its own BackendKeyData — the cancel key is reissued, not forwarded
// verbatim.
type ConnKey struct {
	PID int32
	CancelKey int32
}

// ConnInfo is what a cancel lookup needs to act: which worker owns the
// session, and the real backend pid/cancel key pairs to forward the
// CancelRequest to on each node.
type ConnInfo struct {
	WorkerID int
	NodeIDs []int
	BackendPIDs []int32
	BackendKeys []int32
}

type connInfoShard struct {
	mu sync.RWMutex
	m map[ConnKey]ConnInfo
}

// ConnInfoTable is the one structure genuinely shared across every
// frontend session worker's otherwise-private Pool: it exists solely
// so a CancelRequest arriving on any worker's listen socket can be
// routed to the worker and backend connections it actually names.
type ConnInfoTable struct {
	shards [connInfoShards]connInfoShard
}

func NewConnInfoTable() *ConnInfoTable {
	t := &ConnInfoTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[ConnKey]ConnInfo)
	}
	return t
}

func (t *ConnInfoTable) shardFor(k ConnKey) *connInfoShard {
	h := uint32(k.PID)*2654435761 + uint32(k.CancelKey)
	return &t.shards[h%connInfoShards]
}

func (t *ConnInfoTable) Register(k ConnKey, info ConnInfo) {
	s := t.shardFor(k)
	s.mu.Lock()
	s.m[k] = info
	s.mu.Unlock()
}

func (t *ConnInfoTable) Unregister(k ConnKey) {
	s := t.shardFor(k)
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

// Lookup returns the ConnInfo registered for k, for a CancelRequest
// naming that (pid, cancel key). A miss is not an error — a
// CancelRequest with no matching entry is a silent no-op, since a
// client may race a cancel against its own query
// finishing and the session already being released.
func (t *ConnInfoTable) Lookup(k ConnKey) (ConnInfo, bool) {
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.m[k]
	return info, ok
}
