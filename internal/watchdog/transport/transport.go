// Package transport implements the watchdog peer transport: per-peer
// clientSocket/serverSocket duality, the ADD_NODE authenticated
// handshake, and reconnect throttling.
package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gpaulavicius/pgpool2/internal/config"
	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
	wdwire "github.com/gpaulavicius/pgpool2/internal/watchdog/wire"
)

// SocketState is per-socket state.
type SocketState int

const (
	Uninitialized SocketState = iota
	WaitingForConnect
	Connected
	SockError
	Closed
)

// Peer is one configured remote watchdog node's connection pair. Send
// prefers the outbound (client) socket, falling back to the inbound
// (server) socket — either may carry traffic.
type Peer struct {
	Hostname string
	WdPort int

	mu sync.Mutex
	clientConn net.Conn
	clientState SocketState
	serverConn net.Conn
	serverState SocketState
	lastRetry time.Time
	identified bool
}

func (p *Peer) setServer(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverConn = conn
	p.serverState = Connected
	p.identified = true
}

// Send writes f to whichever socket is up, preferring the outbound.
func (p *Peer) Send(f corewire.WdFrame) error {
	p.mu.Lock()
	conn := p.clientConn
	if conn == nil || p.clientState != Connected {
		conn = p.serverConn
	}
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: no live socket to peer %s", p.Hostname)
	}
	return corewire.WriteWdFrame(conn, f)
}

func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientState == Connected || p.serverState == Connected
}

// Transport owns the local listener and every configured peer's
// connection pair.
type Transport struct {
	self config.WatchdogPeer
	authKey string
	peers map[string]*Peer
	listener net.Listener
	onPacket func(peerKey string, pkt wdwire.Packet)
	onConnect func(peerKey string)
	onLost func(peerKey string)
}

func New(self config.WatchdogPeer, authKey string, remotes []config.WatchdogPeer) *Transport {
	t := &Transport{self: self, authKey: authKey, peers: make(map[string]*Peer)}
	for _, r := range remotes {
		t.peers[peerKey(r)] = &Peer{Hostname: r.Hostname, WdPort: r.WdPort}
	}
	return t
}

func peerKey(p config.WatchdogPeer) string {
	return fmt.Sprintf("%s:%d", p.Hostname, p.WdPort)
}

// wdProtoVersion identifies this module's ADD_NODE handshake
// construction. It does not interoperate with a deployed pgpool
// watchdog peer's handshake and is bumped whenever that construction
// changes, so two incompatible peers reject each other explicitly
// instead of failing AuthHash verification for an unrelated reason.
const wdProtoVersion = 2

// AuthHash computes the ADD_NODE handshake's authentication hash:
// HMAC-SHA256 over the node-identity string, keyed by wdAuthKey. This
// is not the "state=%d wd_port=%d"-plus-key canonical string a
// deployed pgpool watchdog peer would send; see wdProtoVersion.
func (t *Transport) AuthHash(nodeID string) string {
	mac := hmac.New(sha256.New, []byte(t.authKey))
	mac.Write([]byte(nodeID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *Transport) verifyAuthHash(nodeID, hash string) bool {
	return hmac.Equal([]byte(hash), []byte(t.AuthHash(nodeID)))
}

// Listen starts accepting inbound peer connections. Connections stay
// "unidentified" until a valid ADD_NODE arrives.
func (t *Transport) Listen(ctx context.Context, onPacket func(peerKey string, pkt wdwire.Packet), onConnect, onLost func(peerKey string)) error {
	t.onPacket, t.onConnect, t.onLost = onPacket, onConnect, onLost
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.self.WdPort))
	if err != nil {
		return err
	}
	t.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go t.acceptLoop(ctx)
	for key, p := range t.peers {
		go t.dialLoop(ctx, key, p)
	}
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(ctx, conn)
	}
}

// handleInbound waits for an ADD_NODE handshake before associating the
// connection with a configured peer.
func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	f, err := corewire.ReadWdFrame(conn)
	if err != nil || f.Type != corewire.WdAddNode {
		conn.Close()
		return
	}
	pkt, err := wdwire.Decode(f)
	if err != nil || pkt.ProtoVersion != wdProtoVersion || !t.verifyAuthHash(pkt.NodeID, pkt.AuthHash) {
		conn.Close()
		return
	}

	var peer *Peer
	var key string
	for k, p := range t.peers {
		if p.Hostname == pkt.NodeID || k == pkt.NodeID {
			peer, key = p, k
			break
		}
	}
	if peer == nil {
		conn.Close()
		return
	}

	peer.setServer(conn)
	corewire.WriteWdFrame(conn, wdwire.Packet{Type: corewire.WdAccept, NodeID: t.self.Hostname}.Encode())
	if t.onConnect != nil {
		t.onConnect(key)
	}
	t.readLoop(ctx, key, peer, conn)
}

// dialLoop is the outbound half: reconnect no more often than once
// every 10s. cenkalti/backoff/v4's constant backoff models exactly
// this floor, and WithContext lets the whole retry loop exit cleanly
// with the watchdog.
func (t *Transport) dialLoop(ctx context.Context, key string, p *Peer) {
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Second), ctx)
	for {
		err := backoff.Retry(func() error {
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", p.Hostname, p.WdPort), 5*time.Second)
			if err != nil {
				return err
			}
			hello := wdwire.Packet{Type: corewire.WdAddNode, NodeID: t.self.Hostname, AuthHash: t.AuthHash(t.self.Hostname), ProtoVersion: wdProtoVersion}
			if err := corewire.WriteWdFrame(conn, hello.Encode()); err != nil {
				conn.Close()
				return err
			}
			p.mu.Lock()
			p.clientConn = conn
			p.clientState = Connected
			p.mu.Unlock()
			if t.onConnect != nil {
				t.onConnect(key)
			}
			t.readLoop(ctx, key, p, conn)
			p.mu.Lock()
			p.clientState = SockError
			p.mu.Unlock()
			return fmt.Errorf("transport: connection to %s lost", key)
		}, b)
		if ctx.Err() != nil || err == nil {
			return
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, key string, p *Peer, conn net.Conn) {
	defer conn.Close()
	for {
		f, err := corewire.ReadWdFrame(conn)
		if err != nil {
			if t.onLost != nil {
				t.onLost(key)
			}
			return
		}
		pkt, err := wdwire.Decode(f)
		if err != nil {
			continue
		}
		if t.onPacket != nil {
			t.onPacket(key, pkt)
		}
	}
}

// Broadcast sends f to every peer with a live socket.
func (t *Transport) Broadcast(f corewire.WdFrame) {
	for _, p := range t.peers {
		if p.Connected() {
			p.Send(f)
		}
	}
}

// SendTo sends f to one named peer.
func (t *Transport) SendTo(key string, f corewire.WdFrame) error {
	p, ok := t.peers[key]
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", key)
	}
	return p.Send(f)
}

// Peers returns the configured peer keys, for iteration by the state
// machine (e.g. counting AddMessageSent replies).
func (t *Transport) Peers() []string {
	keys := make([]string, 0, len(t.peers))
	for k := range t.peers {
		keys = append(keys, k)
	}
	return keys
}

func (t *Transport) ConnectedPeers() int {
	n := 0
	for _, p := range t.peers {
		if p.Connected() {
			n++
		}
	}
	return n
}
