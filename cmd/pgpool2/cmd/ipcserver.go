package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/failover"
	"github.com/gpaulavicius/pgpool2/internal/ipc"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

// ipcServer answers the local IPC surface over a Unix socket: a thin
// command dispatcher in front of the registry, in the same spirit as
// a control daemon's narrow RPC surface but speaking internal/ipc's
// length-prefixed frames.
type ipcServer struct {
	reg *registry.ClusterRegistry
	cfg *config.Config
	log *pglog.Logger
	path string
	ln net.Listener
}

func newIPCServer(path string, reg *registry.ClusterRegistry, cfg *config.Config, log *pglog.Logger) *ipcServer {
	return &ipcServer{path: path, reg: reg, cfg: cfg, log: log.Named("ipc")}
}

func (s *ipcServer) Run(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *ipcServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	req, err := ipc.ReadRequest(conn)
	if err != nil {
		return
	}
	if req.Cmd == ipc.CmdFailoverCommand || req.Cmd == ipc.CmdNodeStatusChange || req.Cmd == ipc.CmdRegisterForNotification {
		if req.AuthKey != s.cfg.WdAuthKey {
			ipc.WriteResponse(conn, ipc.Response{Code: ipc.ResultBad})
			return
		}
	}
	resp := s.dispatch(ctx, req)
	if err := ipc.WriteResponse(conn, resp); err != nil {
		s.log.Debugw("ipc write response failed", "err", err)
	}
}

func (s *ipcServer) dispatch(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Cmd {
	case ipc.CmdGetNodesList:
		return s.getNodesList()
	case ipc.CmdGetMasterData:
		return s.getMasterData()
	case ipc.CmdNodeStatusChange:
		return s.nodeStatusChange(ctx, req)
	case ipc.CmdFailoverCommand:
		return s.failoverCommand(ctx, req)
	default:
		return ipc.Response{Code: ipc.ResultBad}
	}
}

type nodeListEntry struct {
	NodeID int `json:"node_id"`
	Status string `json:"status"`
	Role string `json:"role"`
	Weight float64 `json:"weight"`
}

func (s *ipcServer) getNodesList() ipc.Response {
	snap := s.reg.Snapshot()
	entries := make([]nodeListEntry, len(snap.Backends))
	for i, b := range snap.Backends {
		entries[i] = nodeListEntry{NodeID: b.Desc.NodeID, Status: b.Status.String(), Role: b.Role.String(), Weight: b.Desc.Weight}
	}
	payload, _ := json.Marshal(entries)
	return ipc.Response{Code: ipc.ResultOk, Payload: payload}
}

func (s *ipcServer) getMasterData() ipc.Response {
	snap := s.reg.Snapshot()
	for _, b := range snap.Backends {
		if b.Role == config.RolePrimary {
			payload, _ := json.Marshal(nodeListEntry{NodeID: b.Desc.NodeID, Status: b.Status.String(), Role: b.Role.String(), Weight: b.Desc.Weight})
			return ipc.Response{Code: ipc.ResultOk, Payload: payload}
		}
	}
	return ipc.Response{Code: ipc.ResultBad}
}

type statusChangeRequest struct {
	NodeID int `json:"node_id"`
	Status string `json:"status"`
}

func (s *ipcServer) nodeStatusChange(ctx context.Context, req ipc.Request) ipc.Response {
	var body statusChangeRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return ipc.Response{Code: ipc.ResultBad}
	}
	if err := s.reg.SetStatus(body.NodeID, parseStatus(body.Status)); err != nil {
		return ipc.Response{Code: ipc.ResultBad}
	}
	return ipc.Response{Code: ipc.ResultOk}
}

type failoverRequest struct {
	Kind string `json:"kind"`
	NodeIDs []int `json:"node_ids"`
}

func (s *ipcServer) failoverCommand(ctx context.Context, req ipc.Request) ipc.Response {
	var body failoverRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return ipc.Response{Code: ipc.ResultBad}
	}
	kind := parseOpKind(body.Kind)
	res, ok := failover.RequestNodeOp(ctx, s.reg, kind, body.NodeIDs, registry.FlagFromWatchdog|registry.FlagConfirmed)
	if !ok || !res.Accepted {
		return ipc.Response{Code: ipc.ResultClusterInTran}
	}
	return ipc.Response{Code: ipc.ResultOk}
}

func parseStatus(s string) config.BackendStatus {
	switch s {
	case "up":
		return config.StatusUp
	case "connect_wait":
		return config.StatusConnectWait
	case "quarantined":
		return config.StatusQuarantined
	default:
		return config.StatusDown
	}
}

func parseOpKind(s string) registry.NodeOpKind {
	switch s {
	case "up":
		return registry.OpUp
	case "recovery":
		return registry.OpRecovery
	case "close_idle":
		return registry.OpCloseIdle
	case "promote":
		return registry.OpPromote
	case "quarantine":
		return registry.OpQuarantine
	default:
		return registry.OpDown
	}
}
