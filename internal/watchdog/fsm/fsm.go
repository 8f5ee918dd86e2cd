// Package fsm implements the watchdog state machine: election,
// leadership beacons, and split-brain arbitration.
package fsm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"k8s.io/apimachinery/pkg/util/strategicpatch"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/cmdbus"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/consensus"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/transport"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/wire"
	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
)

// State is one of the watchdog's named states.
type State int

const (
	Dead State = iota
	Loading
	Joining
	Initializing
	Coordinator
	ParticipateInElection
	StandForCoordinator
	Standby
	Lost
	InNetworkTrouble
	Shutdown
	AddMessageSent
)

func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case Loading:
		return "loading"
	case Joining:
		return "joining"
	case Initializing:
		return "initializing"
	case Coordinator:
		return "coordinator"
	case ParticipateInElection:
		return "participate_in_election"
	case StandForCoordinator:
		return "stand_for_coordinator"
	case Standby:
		return "standby"
	case Lost:
		return "lost"
	case InNetworkTrouble:
		return "in_network_trouble"
	case Shutdown:
		return "shutdown"
	case AddMessageSent:
		return "add_message_sent"
	default:
		return "unknown"
	}
}

// EventKind is one of the FSM's named events.
type EventKind int

const (
	EvStateChanged EventKind = iota
	EvTimeout
	EvPacketReceived
	EvCommandFinished
	EvNewOutboundConnection
	EvNwIpRemoved
	EvNwIpAssigned
	EvNwLinkInactive
	EvNwLinkActive
	EvLocalNodeLost
	EvRemoteNodeLost
	EvRemoteNodeFound
	EvLocalNodeFound
	EvNodeConnectionLost
	EvNodeConnectionFound
	EvClusterQuorumChanged
)

// Event is one item on the FSM's event queue. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind
	Peer string
	Packet wire.Packet
	Cmd *cmdbus.Command
	Quorum bool // valid for EvClusterQuorumChanged: true == quorum held
}

// poolConfigPayload is the JSON shape a PoolConfigData ('Z') frame
// carries — just the fields a strategic merge patch is allowed to
// touch as part of the negotiated-pool-config exchange between peers.
type poolConfigPayload struct {
	Backends []backendPatch `json:"backends"`
}

type backendPatch struct {
	NodeID int `json:"nodeId"`
	Weight *float64 `json:"weight,omitempty"`
}

// peerBeacon is the last IAM_COORDINATOR beacon observed from a peer,
// used by split-brain arbitration.
type peerBeacon struct {
	state State
	pkt wire.Packet
}

// FSM runs the state machine for one local watchdog node. Fatal is
// invoked instead of os.Exit so InNetworkTrouble/Lost stay testable;
// cmd/pgpool2 wires a real process-exit callback.
type FSM struct {
	self config.WatchdogPeer
	cfg *config.Config
	reg *registry.ClusterRegistry
	transport *transport.Transport
	bus *cmdbus.Bus
	consensus *consensus.Engine
	log *pglog.Logger
	Fatal func(reason string)

	startupTime time.Time

	mu sync.Mutex
	state State
	peerStates map[string]State
	addMessagePeers map[string]bool
	beacons map[string]peerBeacon
	escalated bool
	quorumStatus int
	standbyNodeCount int

	events chan Event
	timer *time.Timer
}

func New(self config.WatchdogPeer, cfg *config.Config, reg *registry.ClusterRegistry, t *transport.Transport, bus *cmdbus.Bus, engine *consensus.Engine, log *pglog.Logger) *FSM {
	return &FSM{
		self: self,
		cfg: cfg,
		reg: reg,
		transport: t,
		bus: bus,
		consensus: engine,
		log: log.Named("watchdog"),
		Fatal: func(string) {},
		startupTime: time.Now(),
		state: Dead,
		peerStates: make(map[string]State),
		addMessagePeers: make(map[string]bool),
		beacons: make(map[string]peerBeacon),
		events: make(chan Event, 256),
		timer: time.NewTimer(time.Hour),
	}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// BroadcastWaitingForConsensus implements consensus.Notifier.
func (f *FSM) BroadcastWaitingForConsensus() {
	f.transport.Broadcast(wire.Packet{Type: corewire.WdFailoverWaitingForConsensus, NodeID: f.self.Hostname}.Encode())
}

// Resign implements consensus.Notifier's coordinator self-resignation
// special case.
func (f *FSM) Resign() {
	f.mu.Lock()
	f.escalated = false
	f.mu.Unlock()
	f.transport.Broadcast(wire.Packet{Type: corewire.WdClusterService, NodeID: f.self.Hostname, Service: corewire.ClusterServiceMessage}.Encode())
	f.transition(Joining)
}

// Deliver is the transport's onPacket callback.
func (f *FSM) Deliver(peer string, pkt wire.Packet) {
	f.enqueue(Event{Kind: EvPacketReceived, Peer: peer, Packet: pkt})
}

// PeerLost is the transport's onLost callback.
func (f *FSM) PeerLost(peer string) {
	f.enqueue(Event{Kind: EvRemoteNodeLost, Peer: peer})
}

// PeerConnected is the transport's onConnect callback.
func (f *FSM) PeerConnected(peer string) {
	f.enqueue(Event{Kind: EvNodeConnectionFound, Peer: peer})
}

// CommandFinished is cmdbus's onFinished callback.
func (f *FSM) CommandFinished(cmd *cmdbus.Command) {
	f.enqueue(Event{Kind: EvCommandFinished, Cmd: cmd})
}

func (f *FSM) enqueue(ev Event) {
	select {
	case f.events <- ev:
	default:
		f.log.Warnw("watchdog event queue full, dropping event", "kind", ev.Kind)
	}
}

// Run drives the event loop until ctx is cancelled. Call once.
func (f *FSM) Run(ctx context.Context) {
	f.transition(Loading)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			f.handle(ctx, ev)
		case <-f.timer.C:
			f.handle(ctx, Event{Kind: EvTimeout})
		}
	}
}

// transition moves to a new state, logging and resetting the
// per-state timer. spew.Sdump gives a full struct dump at debug level
// for post-mortem replay of a confusing election.
func (f *FSM) transition(to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	f.log.Infow("watchdog state transition", "from", from, "to", to)
	f.log.Debugw("watchdog transition detail", "dump", spew.Sdump(struct{ From, To State }{from, to}))
	f.resetTimer(stateTimeout(to))
	if to != from {
		f.enqueue(Event{Kind: EvStateChanged})
	}
}

func stateTimeout(s State) time.Duration {
	switch s {
	case Loading:
		return 5 * time.Second
	case Joining:
		return 5 * time.Second // backstop if REQ_INFO never completes
	case Initializing:
		return 1 * time.Second
	case StandForCoordinator:
		return 4 * time.Second
	case ParticipateInElection:
		return 5 * time.Second
	case Coordinator:
		return 10 * time.Second // IAM_COORDINATOR beacon interval
	case Standby:
		return 5 * time.Second // JOIN_COORDINATOR timeout
	default:
		return time.Hour
	}
}

func (f *FSM) resetTimer(d time.Duration) {
	f.timer.Stop()
	f.timer.Reset(d)
}

// handle applies the global rules before dispatching to
// the per-state handler.
func (f *FSM) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EvRemoteNodeLost:
		f.mu.Lock()
		f.peerStates[ev.Peer] = Lost
		delete(f.beacons, ev.Peer)
		f.mu.Unlock()
		return
	case EvPacketReceived:
		if ev.Packet.Type == corewire.WdInformIAmGoingDown {
			f.mu.Lock()
			f.peerStates[ev.Peer] = Shutdown
			f.mu.Unlock()
			f.handle(ctx, Event{Kind: EvRemoteNodeLost, Peer: ev.Peer})
			return
		}
		if ev.Packet.CommandID != 0 {
			f.bus.Route(ev.Peer, ev.Packet)
		}
	case EvNwIpRemoved, EvNwLinkInactive:
		f.transition(InNetworkTrouble)
		return
	}

	switch f.State() {
	case Loading:
		f.handleLoading(ev)
	case Joining:
		f.handleJoining(ev)
	case Initializing:
		f.handleInitializing(ev)
	case StandForCoordinator:
		f.handleStandForCoordinator(ev)
	case ParticipateInElection:
		f.handleParticipateInElection(ev)
	case Coordinator:
		f.handleCoordinator(ctx, ev)
	case Standby:
		f.handleStandby(ev)
	case InNetworkTrouble, Lost:
		f.handleFatal()
	}
}

func (f *FSM) handleLoading(ev Event) {
	switch ev.Kind {
	case EvStateChanged:
		for _, peer := range f.transport.Peers() {
			f.mu.Lock()
			f.addMessagePeers[peer] = true
			f.mu.Unlock()
			f.transport.SendTo(peer, wire.Packet{Type: corewire.WdAddNode, NodeID: f.self.Hostname, AuthHash: f.transport.AuthHash(f.self.Hostname)}.Encode())
		}
	case EvTimeout:
		f.transition(Joining)
	case EvPacketReceived:
		if ev.Packet.Type == corewire.WdStandForCoordinator {
			if ev.Packet.Priority > f.self.Priority {
				f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdReject, NodeID: f.self.Hostname}.Encode())
				f.transition(StandForCoordinator)
			} else {
				f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdAccept, NodeID: f.self.Hostname}.Encode())
				f.transition(ParticipateInElection)
			}
			return
		}
		if ev.Packet.Type == corewire.WdAccept {
			f.mu.Lock()
			delete(f.addMessagePeers, ev.Peer)
			allReplied := len(f.addMessagePeers) == 0
			f.mu.Unlock()
			if allReplied {
				f.transition(Initializing)
			}
		}
	}
}

func (f *FSM) handleJoining(ev Event) {
	switch ev.Kind {
	case EvStateChanged:
		f.reg.SetSwitching(false)
		f.bus.NewCommand(wire.Packet{Type: corewire.WdReqInfo, NodeID: f.self.Hostname}, f.transport.Peers(), stateTimeout(Joining))
		f.transport.Broadcast(wire.Packet{Type: corewire.WdReqInfo, NodeID: f.self.Hostname}.Encode())
	case EvTimeout, EvCommandFinished:
		f.transition(Initializing)
	}
}

func (f *FSM) handleInitializing(ev Event) {
	if ev.Kind != EvTimeout {
		return
	}
	f.mu.Lock()
	anyCoordinator := false
	anyStanding := false
	for _, s := range f.peerStates {
		if s == Coordinator {
			anyCoordinator = true
		}
		if s == StandForCoordinator {
			anyStanding = true
		}
	}
	onlyLiveNode := f.transport.ConnectedPeers() == 0
	f.mu.Unlock()

	switch {
	case anyCoordinator:
		f.transition(Standby)
	case onlyLiveNode:
		f.transition(Coordinator)
	case anyStanding:
		f.transition(ParticipateInElection)
	default:
		f.transition(StandForCoordinator)
	}
}

func (f *FSM) handleStandForCoordinator(ev Event) {
	switch ev.Kind {
	case EvStateChanged:
		recipients := f.transport.Peers()
		f.bus.NewCommand(wire.Packet{Type: corewire.WdStandForCoordinator, NodeID: f.self.Hostname, Priority: f.self.Priority, CurrentStateTime: f.startupTime}, recipients, 4*time.Second)
		f.transport.Broadcast(wire.Packet{Type: corewire.WdStandForCoordinator, NodeID: f.self.Hostname, Priority: f.self.Priority, CurrentStateTime: f.startupTime}.Encode())
	case EvCommandFinished, EvTimeout:
		f.transition(Coordinator)
	case EvPacketReceived:
		switch ev.Packet.Type {
		case corewire.WdReject:
			f.transition(ParticipateInElection)
		case corewire.WdError:
			f.transition(Joining)
		case corewire.WdStandForCoordinator:
			if f.winsStandoff(ev.Packet) {
				f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdReject, NodeID: f.self.Hostname}.Encode())
			} else {
				f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdAccept, NodeID: f.self.Hostname}.Encode())
				f.transition(ParticipateInElection)
			}
		}
	}
}

// winsStandoff resolves a StandForCoordinator contention tie-break:
// priority, then older startup time wins.
func (f *FSM) winsStandoff(remote wire.Packet) bool {
	if remote.Priority != f.self.Priority {
		return f.self.Priority > remote.Priority
	}
	return f.startupTime.Before(remote.CurrentStateTime)
}

func (f *FSM) handleParticipateInElection(ev Event) {
	switch ev.Kind {
	case EvTimeout:
		f.transition(Joining)
	case EvPacketReceived:
		switch ev.Packet.Type {
		case corewire.WdDeclareCoordinator:
			if ev.Packet.Priority >= f.self.Priority {
				f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdAccept, NodeID: f.self.Hostname}.Encode())
				f.transition(Initializing)
			}
		case corewire.WdIAmCoordinator:
			f.transition(Joining)
		}
	}
}

func (f *FSM) handleCoordinator(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EvStateChanged:
		f.declareCoordinator()
	case EvTimeout:
		f.transport.Broadcast(f.beaconPacket().Encode())
		f.resetTimer(stateTimeout(Coordinator))
	case EvClusterQuorumChanged:
		f.mu.Lock()
		if ev.Quorum {
			f.escalated = true
		} else {
			f.escalated = false
		}
		f.mu.Unlock()
	case EvPacketReceived:
		f.handleCoordinatorPacket(ctx, ev)
	}
}

func (f *FSM) declareCoordinator() {
	recipients := f.transport.Peers()
	f.bus.NewCommand(wire.Packet{Type: corewire.WdDeclareCoordinator, NodeID: f.self.Hostname, Priority: f.self.Priority}, recipients, 4*time.Second)
	f.transport.Broadcast(wire.Packet{Type: corewire.WdDeclareCoordinator, NodeID: f.self.Hostname, Priority: f.self.Priority}.Encode())
	f.mu.Lock()
	f.quorumStatus = 1
	f.escalated = f.transport.ConnectedPeers() > 0 || len(f.peerStates) == 0
	f.mu.Unlock()
	f.resetTimer(stateTimeout(Coordinator))
}

func (f *FSM) handleCoordinatorPacket(ctx context.Context, ev Event) {
	switch ev.Packet.Type {
	case corewire.WdIAmCoordinator:
		f.arbitrateSplitBrain(ev.Peer, ev.Packet)
	case corewire.WdJoinCoordinator:
		f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdAccept, NodeID: f.self.Hostname}.Encode())
		f.transport.SendTo(ev.Peer, wire.Packet{Type: corewire.WdAskForPoolConfig, NodeID: f.self.Hostname}.Encode())
		f.mu.Lock()
		f.peerStates[ev.Peer] = Standby
		f.standbyNodeCount++
		f.mu.Unlock()
	case corewire.WdPoolConfigData:
		f.applyPoolConfigPatch(ev.Packet.PoolConfigPatch)
	case corewire.WdFailoverStart:
		var req struct {
			Kind registry.NodeOpKind `json:"kind"`
			NodeIDs []int `json:"nodeIds"`
			Flags registry.NodeOpFlags `json:"flags"`
		}
		if len(ev.Packet.ServiceData) > 0 && json.Unmarshal(ev.Packet.ServiceData, &req) == nil {
			f.consensus.VoteFromPeer(ctx, ev.Peer, req.Kind, req.NodeIDs, req.Flags)
		}
	}
}

// beaconPacket is the IAM_COORDINATOR beacon carrying the four
// split-brain arbitration fields.
func (f *FSM) beaconPacket() wire.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.Packet{
		Type: corewire.WdIAmCoordinator,
		NodeID: f.self.Hostname,
		Escalated: f.escalated,
		QuorumStatus: f.quorumStatus,
		StandbyNodeCount: f.standbyNodeCount,
		CurrentStateTime: f.startupTime,
		Priority: f.self.Priority,
	}
}

// arbitrateSplitBrain runs the split-brain tie-break, run by both
// sides independently against the same beacon pair.
func (f *FSM) arbitrateSplitBrain(peer string, remote wire.Packet) {
	local := f.beaconPacket()
	if !remote.HasBeaconFields() {
		f.transport.Broadcast(wire.Packet{Type: corewire.WdClusterService, NodeID: f.self.Hostname, Service: corewire.ClusterServiceMessage}.Encode())
		f.resign()
		return
	}

	iStay := compareBeacons(local, remote)
	if iStay {
		f.transport.SendTo(peer, wire.Packet{Type: corewire.WdClusterService, NodeID: f.self.Hostname, Service: corewire.ClusterServiceMessage}.Encode())
		return
	}
	f.transport.Broadcast(wire.Packet{Type: corewire.WdClusterService, NodeID: f.self.Hostname, Service: corewire.ClusterServiceMessage}.Encode())
	f.resign()
}

func (f *FSM) resign() {
	f.mu.Lock()
	f.escalated = false
	f.mu.Unlock()
	f.transition(Joining)
}

// compareBeacons implements the ordered tie-break; true means the
// local beacon wins and stays coordinator.
func compareBeacons(local, remote wire.Packet) bool {
	if remote.Escalated != local.Escalated {
		return !remote.Escalated
	}
	if remote.QuorumStatus != local.QuorumStatus {
		return local.QuorumStatus > remote.QuorumStatus
	}
	if remote.StandbyNodeCount != local.StandbyNodeCount {
		return local.StandbyNodeCount > remote.StandbyNodeCount
	}
	return local.CurrentStateTime.Before(remote.CurrentStateTime)
}

// applyPoolConfigPatch applies a strategic merge patch onto the
// locally held backend weights, so a peer that only changed one
// node's weight doesn't clobber the rest.
func (f *FSM) applyPoolConfigPatch(patch []byte) {
	if len(patch) == 0 {
		return
	}
	snap := f.reg.Snapshot()
	current := poolConfigPayload{Backends: make([]backendPatch, len(snap.Backends))}
	for i, b := range snap.Backends {
		w := b.Desc.Weight
		current.Backends[i] = backendPatch{NodeID: b.Desc.NodeID, Weight: &w}
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return
	}
	merged, err := strategicpatch.StrategicMergePatch(currentJSON, patch, poolConfigPayload{})
	if err != nil {
		f.log.Warnw("discarding malformed pool config patch", "error", err)
		return
	}
	var out poolConfigPayload
	if err := json.Unmarshal(merged, &out); err != nil {
		return
	}
	for _, b := range out.Backends {
		if b.Weight != nil {
			f.reg.SetWeight(b.NodeID, *b.Weight)
		}
	}
}

func (f *FSM) handleStandby(ev Event) {
	switch ev.Kind {
	case EvStateChanged:
		f.transport.Broadcast(wire.Packet{Type: corewire.WdJoinCoordinator, NodeID: f.self.Hostname, Priority: f.self.Priority}.Encode())
	case EvTimeout:
		f.transport.Broadcast(wire.Packet{Type: corewire.WdReqInfo, NodeID: f.self.Hostname}.Encode())
	case EvPacketReceived:
		if ev.Packet.Type == corewire.WdFailoverEnd {
			f.reg.SetSwitching(false)
		}
		if ev.Packet.Type == corewire.WdIAmCoordinator {
			f.resetTimer(stateTimeout(Standby))
		}
	}
}

// handleFatal terminates with a fatal exit for InNetworkTrouble/Lost.
// A fatal exit followed by a timer whose branch becomes unreachable
// once the process has already exited is dead code not worth
// reproducing here.
func (f *FSM) handleFatal() {
	f.Fatal("watchdog lost network authority")
}
