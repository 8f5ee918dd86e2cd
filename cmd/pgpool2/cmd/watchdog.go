package cmd

import (
	"context"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/metrics"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/cmdbus"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/consensus"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/fsm"
	"github.com/gpaulavicius/pgpool2/internal/watchdog/transport"
	wdwire "github.com/gpaulavicius/pgpool2/internal/watchdog/wire"
)

// watchdogStack wires the four watchdog layers together: transport
// for peer connections, cmdbus for outstanding multi-peer commands,
// consensus for failover voting, and fsm for the election/leadership
// state machine — built on the consensus-voter Notifier relationship
// the internal/watchdog/consensus and internal/watchdog/fsm packages
// already establish.
type watchdogStack struct {
	transport *transport.Transport
	bus *cmdbus.Bus
	engine *consensus.Engine
	fsm *fsm.FSM
	log *pglog.Logger
	rec *metrics.Recorder
}

func newWatchdogStack(cfg *config.Config, reg *registry.ClusterRegistry, log *pglog.Logger, rec *metrics.Recorder) (*watchdogStack, error) {
	t := transport.New(cfg.Self, cfg.WdAuthKey, cfg.Peers)

	w := &watchdogStack{transport: t, log: log.Named("watchdog"), rec: rec}

	w.bus = cmdbus.New(func(cmd *cmdbus.Command) {
		w.fsm.CommandFinished(cmd)
	})

	w.engine = consensus.New(cfg, reg, w,
		func() int { return 1 + len(cfg.Peers) },
		func() int { return standbyCount(reg) },
		func() bool { return w.fsm.State() == fsm.Coordinator },
	)

	w.fsm = fsm.New(cfg.Self, cfg, reg, t, w.bus, w.engine, log)
	w.fsm.Fatal = func(reason string) {
		w.log.Errorw("watchdog entered fatal state", "reason", reason)
	}

	return w, nil
}

func standbyCount(reg *registry.ClusterRegistry) int {
	snap := reg.Snapshot()
	n := 0
	for _, b := range snap.Backends {
		if b.Role == config.RoleStandby {
			n++
		}
	}
	return n
}

// BroadcastWaitingForConsensus and Resign satisfy consensus.Notifier,
// delegating to the fsm since it owns the transport/broadcast details.
func (w *watchdogStack) BroadcastWaitingForConsensus() {
	w.fsm.BroadcastWaitingForConsensus()
}

func (w *watchdogStack) Resign() {
	w.fsm.Resign()
}

func (w *watchdogStack) onPacket(peerKey string, pkt wdwire.Packet) {
	w.bus.Route(peerKey, pkt)
	w.fsm.Deliver(peerKey, pkt)
}

func (w *watchdogStack) Run(ctx context.Context) error {
	go w.fsm.Run(ctx)
	return w.transport.Listen(ctx, w.onPacket, w.fsm.PeerConnected, w.fsm.PeerLost)
}
