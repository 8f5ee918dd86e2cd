package pool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/wire"
)

// Dialer opens a connection to one backend node — injectable so tests
// can substitute an in-memory pipe instead of a real TCP dial.
type Dialer func(ctx context.Context, host string, port int) (net.Conn, error)

func DefaultDialer(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%s", host, strconv.Itoa(port)))
}

// Pool is a per-worker vector of Entry sized by maxPool; it grows past
// maxPool only when every entry is in use (see installLocked). Each frontend
// session worker owns exactly one Pool — like a per-process
// connection pool, it is not shared across workers (the ConnectionInfo
// table in internal/registry is the piece that *is* shared, so cancel
// requests can still be routed across workers).
type Pool struct {
	mu sync.Mutex
	workerID int
	maxPool int
	entries []*Entry

	cfg *config.Config
	reg *registry.ClusterRegistry
	ci *registry.ConnInfoTable
	dial Dialer
	auth Authenticator

	connectionLifeTime time.Duration
}

func New(workerID int, cfg *config.Config, reg *registry.ClusterRegistry, ci *registry.ConnInfoTable, dial Dialer, auth Authenticator) *Pool {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Pool{
		workerID: workerID,
		maxPool: cfg.MaxPool,
		entries: make([]*Entry, 0, cfg.MaxPool),
		cfg: cfg,
		reg: reg,
		ci: ci,
		dial: dial,
		auth: auth,
		connectionLifeTime: cfg.ConnectionLifeTime,
	}
}

// Acquire does a linear search for an entry whose slots match
// (user,db,protoMajor) and whose startup packet canonicalizes
// identically, honoring the reuse contract (all live nodes Up, master
// slot previously returned to the pool).
func (p *Pool) Acquire(sp *wire.StartupPacket, checkSocket bool) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.reg.Snapshot()
	for i, e := range p.entries {
		if e == nil {
			continue
		}
		if e.User != sp.User || e.Database != sp.Database || e.ProtoMajor != sp.ProtoMajor {
			continue
		}
		if !e.Startup.Equal(sp) {
			continue
		}
		if !p.allLiveNodesUp(e, snap) {
			p.discardLocked(i)
			continue
		}
		master := e.MasterSlot(snap.MasterNodeID)
		if master == nil || master.InUse() {
			continue
		}
		if checkSocket && p.anySlotDead(e) {
			p.discardLocked(i)
			continue
		}
		master.MarkInUse()
		for _, s := range e.Slots {
			if s != nil {
				s.MarkInUse()
			}
		}
		return e, true
	}
	return nil, false
}

func (p *Pool) allLiveNodesUp(e *Entry, snap registry.Snapshot) bool {
	for nodeID, s := range e.Slots {
		if s == nil {
			continue
		}
		if nodeID >= len(snap.Backends) || snap.Backends[nodeID].Status != config.StatusUp {
			return false
		}
	}
	return true
}

// anySlotDead does a non-blocking liveness probe of every slot's
// socket.
func (p *Pool) anySlotDead(e *Entry) bool {
	for _, s := range e.Slots {
		if s == nil {
			continue
		}
		pending, err := s.Codec.RawConn().Pending()
		if err != nil {
			return true
		}
		// Data arriving on an otherwise-idle backend socket (not a
		// response we're expecting) means the backend sent something
		// unsolicited — most commonly a close notice — so we treat it
		// the same as dead.
		if pending {
			return true
		}
	}
	return false
}

// Create opens a connection to every currently-Up backend in
// parallel, sends the startup packet, and authenticates.
func (p *Pool) Create(ctx context.Context, sp *wire.StartupPacket, creds Credentials) (*Entry, error) {
	snap := p.reg.Snapshot()
	entry := &Entry{
		Startup: sp,
		User: sp.User,
		Database: sp.Database,
		ProtoMajor: sp.ProtoMajor,
		Slots: make([]*Slot, len(snap.Backends)),
	}

	type result struct {
		nodeID int
		slot *Slot
		err error
	}
	results := make(chan result, len(snap.Backends))
	var wg sync.WaitGroup
	for nodeID, b := range snap.Backends {
		if b.Status != config.StatusUp {
			continue
		}
		wg.Add(1)
		go func(nodeID int, b registry.BackendState) {
			defer wg.Done()
			slot, err := p.connectOne(ctx, nodeID, b, sp, creds)
			results <- result{nodeID: nodeID, slot: slot, err: err}
		}(nodeID, b)
	}
	go func() { wg.Wait(); close(results) }()

	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		entry.Slots[r.nodeID] = r.slot
	}
	if firstErr != nil {
		for _, s := range entry.Slots {
			if s != nil {
				s.Close()
			}
		}
		return nil, firstErr
	}

	p.mu.Lock()
	p.installLocked(entry)
	p.mu.Unlock()

	return entry, nil
}

// RegisterFrontendIdentity records the (pid, cancel key) pair the
// caller has reissued to the client for entry, so a later
// CancelRequest naming that pair can be routed back to these backend
// slots. The session worker calls this once,
// right after Create, with the identity it is about to send in
// BackendKeyData.
func (p *Pool) RegisterFrontendIdentity(entry *Entry, pid, key int32) {
	entry.FrontendPID, entry.FrontendKey = pid, key
	if p.ci == nil {
		return
	}
	info := registry.ConnInfo{WorkerID: p.workerID}
	for _, s := range entry.Slots {
		if s != nil {
			info.BackendPIDs = append(info.BackendPIDs, s.BackendPID)
			info.BackendKeys = append(info.BackendKeys, s.CancelKey)
			info.NodeIDs = append(info.NodeIDs, s.NodeID)
		}
	}
	p.ci.Register(registry.ConnKey{PID: pid, CancelKey: key}, info)
}

func (p *Pool) connectOne(ctx context.Context, nodeID int, b registry.BackendState, sp *wire.StartupPacket, creds Credentials) (*Slot, error) {
	conn, err := p.dial(ctx, b.Desc.Hostname, b.Desc.Port)
	if err != nil {
		return nil, fmt.Errorf("pool: dial node %d: %w", nodeID, err)
	}
	wc := wire.NewConn(conn)
	codec := wire.NewBackendCodec(wc)

	codec.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: sp.Options,
	})
	if err := codec.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	res, err := p.auth.Authenticate(ctx, codec, creds)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Slot{
		NodeID: nodeID,
		Codec: codec,
		BackendPID: res.BackendPID,
		CancelKey: res.CancelKey,
		CloseTime: time.Time{},
		TxState: TxIdle,
		Params: res.Params,
	}, nil
}

// installLocked inserts entry into the pool vector, evicting the
// least-recently-used idle entry by closetime if the pool is full.
func (p *Pool) installLocked(entry *Entry) {
	if len(p.entries) < p.maxPool {
		p.entries = append(p.entries, entry)
		return
	}
	snap := p.reg.Snapshot()
	lruIdx, lruTime := -1, time.Now().Add(24*time.Hour)
	for i, e := range p.entries {
		if e == nil {
			lruIdx = i
			break
		}
		if !e.IsIdle() {
			continue
		}
		m := e.MasterSlot(snap.MasterNodeID)
		if m == nil {
			continue
		}
		if m.CloseTime.Before(lruTime) {
			lruTime = m.CloseTime
			lruIdx = i
		}
	}
	if lruIdx == -1 {
		// Pool genuinely full of in-use entries; grow rather than
		// drop a live session.
		p.entries = append(p.entries, entry)
		return
	}
	p.discardLocked(lruIdx)
	p.entries[lruIdx] = entry
}

// Release returns entry to the pool as idle:
// every slot's closetime is set to now.
func (p *Pool) Release(entry *Entry) {
	now := time.Now()
	for _, s := range entry.Slots {
		if s != nil {
			s.MarkIdle(now)
		}
	}
}

// Discard sends Terminate to every slot, closes sockets, and clears
// the entry.
func (p *Pool) Discard(entry *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e == entry {
			p.discardLocked(i)
			return
		}
	}
	discardEntry(entry, p.ci)
}

func (p *Pool) discardLocked(i int) {
	e := p.entries[i]
	if e == nil {
		return
	}
	discardEntry(e, p.ci)
	p.entries[i] = nil
}

func discardEntry(e *Entry, ci *registry.ConnInfoTable) {
	for _, s := range e.Slots {
		if s == nil {
			continue
		}
		s.Codec.Send(&pgproto3.Terminate{})
		s.Codec.Flush()
		s.Close()
	}
	if ci != nil && e.FrontendKey != 0 {
		ci.Unregister(registry.ConnKey{PID: e.FrontendPID, CancelKey: e.FrontendKey})
	}
}

// Timer runs a periodic sweep: any entry whose master slot has been
// idle (closetime != 0) for at least connectionLifeTime is discarded.
func (p *Pool) Timer() {
	if p.connectionLifeTime <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	snap := p.reg.Snapshot()
	for i, e := range p.entries {
		if e == nil {
			continue
		}
		m := e.MasterSlot(snap.MasterNodeID)
		if m == nil || m.InUse() {
			continue
		}
		if now.Sub(m.CloseTime) >= p.connectionLifeTime {
			p.discardLocked(i)
		}
	}
}

// CloseIdle discards every idle entry, used when the worker is
// signaled to drop its pooled connections.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e != nil && e.IsIdle() {
			p.discardLocked(i)
		}
	}
}

// Len reports the number of occupied slots in the pool vector, for
// metrics and tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e != nil {
			n++
		}
	}
	return n
}
