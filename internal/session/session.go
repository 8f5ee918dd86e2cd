// Package session implements the frontend session worker: the
// single-client-at-a-time loop that accepts one connection,
// authenticates it, acquires or creates a backend pool entry, proxies
// the query stream, and recycles itself for the next connection.
//
// A cooperative "one process, one select loop" design becomes one
// goroutine per Worker here, with context.Context cancellation checked
// at the same suspension points a signal flag would be (accept, read,
// write, sleep).
package session

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/lb"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/pool"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/wire"
	"github.com/jackc/pgx/v5/pgproto3"
)

var errAcceptTimeout = errors.New("session: accept timeout")

// HBAChecker is the optional pool_hba-equivalent ACL hook. Parsing pool_hba.conf itself is out of scope; a caller that wants enforcement injects one.
type HBAChecker interface {
	Allow(user, database, sourceAddr string) bool
}

// sessionCtx bundles the per-connection state ProcessQuery's helpers
// need without threading every field through each call individually.
type sessionCtx struct {
	ctx context.Context
	client *wire.ClientCodec
}

// Worker is a frontend session worker: one goroutine serving accepted
// connections sequentially off a shared listener, with its own
// private Pool, mirroring a per-process connection pool model.
type Worker struct {
	ID int
	Cfg *config.Config
	Reg *registry.ClusterRegistry
	ConnInfo *registry.ConnInfoTable
	Listener net.Listener
	Pool *pool.Pool
	Auth FrontendAuthenticator
	HBA HBAChecker
	Log *pglog.Logger

	cancelDial pool.Dialer
	nextCancelID int64

	sessionsServed int
}

func NewWorker(id int, cfg *config.Config, reg *registry.ClusterRegistry, ci *registry.ConnInfoTable, ln net.Listener, p *pool.Pool, auth FrontendAuthenticator, dial pool.Dialer, log *pglog.Logger) *Worker {
	if dial == nil {
		dial = pool.DefaultDialer
	}
	return &Worker{
		ID: id,
		Cfg: cfg,
		Reg: reg,
		ConnInfo: ci,
		Listener: ln,
		Pool: p,
		Auth: auth,
		Log: log.Named(fmt.Sprintf("worker-%d", id)),
		cancelDial: dial,
	}
}

// Run is the worker's top-level loop: wait for an accept with a
// childLifeTime timeout, recycling the worker once it has served at
// least one session and the timeout fires, or once
// childMaxConnections sessions have been served.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := w.acceptWithTimeout(w.Cfg.ChildLifeTime)
		if errors.Is(err, errAcceptTimeout) {
			if w.sessionsServed > 0 {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		w.handleConnection(ctx, conn)
		w.sessionsServed++

		if w.Cfg.ChildMaxConnections > 0 && w.sessionsServed >= w.Cfg.ChildMaxConnections {
			return nil
		}
	}
}

func (w *Worker) acceptWithTimeout(timeout time.Duration) (net.Conn, error) {
	if dl, ok := w.Listener.(interface{ SetDeadline(time.Time) error }); ok && timeout > 0 {
		dl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := w.Listener.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errAcceptTimeout
		}
		return nil, err
	}
	return conn, nil
}

// handleConnection runs the full startup-through-authentication
// sequence for exactly one accepted connection — it always returns
// with the frontend socket closed.
func (w *Worker) handleConnection(parent context.Context, netConn net.Conn) {
	defer netConn.Close()

	count, err := w.Reg.IncConn(parent)
	if err != nil {
		return
	}
	defer w.Reg.DecConn(parent)

	if int(count) > w.Cfg.MaxChildren-w.Cfg.ReservedConnections {
		writeRawFatal(netConn, "53300", "too many clients already")
		return
	}

	ctx, cancel := context.WithTimeout(parent, w.Cfg.AuthTimeout)
	defer cancel()

	wc := wire.NewConn(netConn)

	if !w.Reg.AnyUp() {
		sp, err := wire.ParseStartupPacket(wc)
		if err == nil && !sp.IsCancelRequest() {
			client := wire.NewClientCodec(wc)
			sendFatal(client, "57P01", "no backend nodes are available")
		}
		return
	}

	sp, err := wire.ParseStartupPacket(wc)
	if err != nil {
		return
	}

	if sp.IsCancelRequest() {
		w.handleCancelRequest(ctx, sp)
		return
	}
	if sp.IsSSLRequest() || sp.IsGSSAPIRequest() {
		if _, err := wc.Write([]byte{'N'}); err != nil {
			return
		}
		if err := wc.Flush(); err != nil {
			return
		}
		sp, err = wire.ParseStartupPacket(wc)
		if err != nil {
			return
		}
	}

	if sp.User == "" {
		client := wire.NewClientCodec(wc)
		sendFatal(client, "28000", "no PostgreSQL user name specified")
		return
	}

	if w.HBA != nil && !w.HBA.Allow(sp.User, sp.Database, netConn.RemoteAddr().String()) {
		client := wire.NewClientCodec(wc)
		sendFatal(client, "28000", fmt.Sprintf("pool_hba.conf rejects connection for user %q", sp.User))
		return
	}

	client := wire.NewClientCodec(wc)
	cancel() // disarm the authentication-timeout alarm once the startup packet is in hand

	entry, err := w.establishEntry(parent, client, sp)
	if err != nil {
		w.Log.Debugw("session establish failed", "err", err, "user", sp.User, "database", sp.Database)
		return
	}

	sc := &sessionCtx{ctx: parent, client: client}
	outcome := OutcomeContinue
	for outcome == OutcomeContinue {
		outcome, err = w.ProcessQuery(sc, entry)
	}
	w.resetEntry(entry)

	if outcome == OutcomeEnd && !w.Cfg.IsTemplateDatabase(entry.Database) {
		w.Pool.Release(entry)
	} else {
		w.Pool.Discard(entry)
	}
}

// establishEntry tries Acquire, and on a hit replays the reuse path;
// on a miss it authenticates the frontend, calls Create for fresh
// backend connections, and reissues a pgpool-owned cancel identity.
func (w *Worker) establishEntry(ctx context.Context, client *wire.ClientCodec, sp *wire.StartupPacket) (*pool.Entry, error) {
	if entry, hit := w.Pool.Acquire(sp, true); hit {
		if _, err := w.Auth.Authenticate(ctx, client, entry.User); err != nil {
			w.Pool.Discard(entry)
			return nil, err
		}
		if err := w.replayReuse(client, entry); err != nil {
			w.Pool.Discard(entry)
			return nil, err
		}
		return entry, nil
	}

	creds, err := w.Auth.Authenticate(ctx, client, sp.User)
	if err != nil {
		return nil, err
	}
	entry, err := w.Pool.Create(ctx, sp, creds)
	if err != nil {
		sendFatal(client, "08006", err.Error())
		return nil, err
	}

	pid, key := w.issueCancelIdentity()
	w.Pool.RegisterFrontendIdentity(entry, pid, key)
	if err := w.sendAuthComplete(client, entry, pid, key); err != nil {
		w.Pool.Discard(entry)
		return nil, err
	}
	return entry, nil
}

func (w *Worker) replayReuse(client *wire.ClientCodec, entry *pool.Entry) error {
	master := entry.MasterSlot(w.Reg.Snapshot().MasterNodeID)
	if master == nil {
		return fmt.Errorf("session: reused entry has no master slot")
	}
	for k, v := range master.Params {
		client.Send(&pgproto3.ParameterStatus{Name: k, Value: v})
	}
	client.Send(&pgproto3.BackendKeyData{ProcessID: uint32(entry.FrontendPID), SecretKey: uint32(entry.FrontendKey)})
	client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(master.TxState)})
	return client.Flush()
}

func (w *Worker) sendAuthComplete(client *wire.ClientCodec, entry *pool.Entry, pid, key int32) error {
	master := entry.MasterSlot(w.Reg.Snapshot().MasterNodeID)
	if master != nil {
		for k, v := range master.Params {
			client.Send(&pgproto3.ParameterStatus{Name: k, Value: v})
		}
	}
	client.Send(&pgproto3.BackendKeyData{ProcessID: uint32(pid), SecretKey: uint32(key)})
	txStatus := byte(pool.TxIdle)
	if master != nil {
		txStatus = byte(master.TxState)
	}
	client.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
	return client.Flush()
}

// issueCancelIdentity mints a (pid, key) pair unique to this worker
// process — a monotonic per-worker counter combined with the worker
// id for the "pid" half and random bytes for the "key" half is enough
// uniqueness for ConnInfoTable lookups; it is never compared against
// a real OS pid.
func (w *Worker) issueCancelIdentity() (int32, int32) {
	w.nextCancelID++
	pid := int32(w.ID)<<24 ^ int32(w.nextCancelID)
	var keyBuf [4]byte
	cryptorand.Read(keyBuf[:])
	key := int32(keyBuf[0])<<24 | int32(keyBuf[1])<<16 | int32(keyBuf[2])<<8 | int32(keyBuf[3])
	return pid, key
}

// pickLoadBalanceNode resolves the load-balancing choice for this
// entry's current statement, restricted to nodes the entry actually
// has a live slot for.
func (w *Worker) pickLoadBalanceNode(entry *pool.Entry) int {
	snap := w.Reg.Snapshot()
	node := lb.SelectNode(w.Cfg, snap, entry.Database, "")
	if node >= 0 && node < len(entry.Slots) && entry.Slots[node] != nil {
		return node
	}
	return snap.MasterNodeID
}

func sendFatal(client *wire.ClientCodec, code, message string) {
	client.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message})
	client.Flush()
}

// writeRawFatal sends a FATAL ErrorResponse without having constructed
// a ClientCodec yet — used for the too-many-clients rejection, which
// must happen before any startup packet has been read.
func writeRawFatal(conn net.Conn, code, message string) {
	wc := wire.NewConn(conn)
	client := wire.NewClientCodec(wc)
	sendFatal(client, code, message)
}
