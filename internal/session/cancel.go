package session

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/wire"
)

// handleCancelRequest answers a CancelRequest startup packet: a miss
// against the shared connection-info table is a silent no-op; a hit
// forwards a CancelRequest frame to every backend the entry owns,
// sleeping 1s between forwards so each backend's cancel takes effect
// before the next is targeted. This worker blocks for the duration,
// which is a documented, not accidental, property.
func (w *Worker) handleCancelRequest(ctx context.Context, sp *wire.StartupPacket) {
	info, ok := w.ConnInfo.Lookup(registry.ConnKey{PID: sp.CancelPID, CancelKey: sp.CancelKey})
	if !ok {
		w.Log.Debugw("cancel request matched no pool entry", "pid", sp.CancelPID)
		return
	}

	snap := w.Reg.Snapshot()
	for i := range info.NodeIDs {
		nodeID := info.NodeIDs[i]
		if nodeID < 0 || nodeID >= len(snap.Backends) || snap.Backends[nodeID].Status != config.StatusUp {
			continue
		}
		w.forwardCancel(ctx, snap, nodeID, info.BackendPIDs[i], info.BackendKeys[i])
		if i != len(info.NodeIDs)-1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) forwardCancel(ctx context.Context, snap registry.Snapshot, nodeID int, backendPID, backendKey int32) {
	if nodeID < 0 || nodeID >= len(snap.Backends) {
		return
	}
	b := snap.Backends[nodeID]
	conn, err := w.cancelDial(ctx, b.Desc.Hostname, b.Desc.Port)
	if err != nil {
		w.Log.Debugw("cancel forward dial failed", "node", nodeID, "err", err)
		return
	}
	defer conn.Close()

	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], 16)
	binary.BigEndian.PutUint32(body[4:8], wire.MagicCancelRequest)
	binary.BigEndian.PutUint32(body[8:12], uint32(backendPID))
	binary.BigEndian.PutUint32(body[12:16], uint32(backendKey))
	if _, err := conn.Write(body); err != nil {
		w.Log.Debugw("cancel forward write failed", "node", nodeID, "err", err)
	}
}
