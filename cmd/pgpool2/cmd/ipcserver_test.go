package cmd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/ipc"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

func testIPCServer(t *testing.T) (*ipcServer, *registry.ClusterRegistry) {
	t.Helper()
	cfg := &config.Config{
		WdAuthKey: "secret",
		Backends: []config.BackendDescriptor{
			{NodeID: 0, Role: config.RolePrimary, Status: config.StatusUp, Weight: 1},
			{NodeID: 1, Role: config.RoleStandby, Status: config.StatusUp, Weight: 0.5},
		},
	}
	reg := registry.NewClusterRegistry(cfg)
	return newIPCServer("", reg, cfg, pglog.GetLogger()), reg
}

func TestDispatchGetNodesListReturnsAllBackends(t *testing.T) {
	s, _ := testIPCServer(t)
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdGetNodesList})
	require.Equal(t, ipc.ResultOk, resp.Code)

	var entries []nodeListEntry
	require.NoError(t, json.Unmarshal(resp.Payload, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "primary", entries[0].Role)
}

func TestDispatchGetMasterDataReturnsPrimary(t *testing.T) {
	s, _ := testIPCServer(t)
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdGetMasterData})
	require.Equal(t, ipc.ResultOk, resp.Code)

	var entry nodeListEntry
	require.NoError(t, json.Unmarshal(resp.Payload, &entry))
	assert.Equal(t, 0, entry.NodeID)
}

func TestDispatchNodeStatusChangeUpdatesRegistry(t *testing.T) {
	s, reg := testIPCServer(t)
	body, _ := json.Marshal(statusChangeRequest{NodeID: 1, Status: "down"})
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdNodeStatusChange, Payload: body})
	require.Equal(t, ipc.ResultOk, resp.Code)
	assert.Equal(t, config.StatusDown, reg.Snapshot().Backends[1].Status)
}

func TestDispatchNodeStatusChangeRejectsUnknownNode(t *testing.T) {
	s, _ := testIPCServer(t)
	body, _ := json.Marshal(statusChangeRequest{NodeID: 99, Status: "down"})
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdNodeStatusChange, Payload: body})
	assert.Equal(t, ipc.ResultBad, resp.Code)
}

func TestDispatchNodeStatusChangeRejectsMalformedPayload(t *testing.T) {
	s, _ := testIPCServer(t)
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdNodeStatusChange, Payload: []byte("not json")})
	assert.Equal(t, ipc.ResultBad, resp.Code)
}

func TestDispatchFailoverCommandTimesOutWithoutConsumer(t *testing.T) {
	s, _ := testIPCServer(t)
	body, _ := json.Marshal(failoverRequest{Kind: "down", NodeIDs: []int{1}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := s.dispatch(ctx, ipc.Request{Cmd: ipc.CmdFailoverCommand, Payload: body})
	assert.Equal(t, ipc.ResultClusterInTran, resp.Code)
}

func TestDispatchUnknownCommandReturnsBad(t *testing.T) {
	s, _ := testIPCServer(t)
	resp := s.dispatch(context.Background(), ipc.Request{Cmd: ipc.CmdOnlineRecovery})
	assert.Equal(t, ipc.ResultBad, resp.Code)
}

func TestParseStatusAndOpKindCoverKnownValues(t *testing.T) {
	assert.Equal(t, config.StatusUp, parseStatus("up"))
	assert.Equal(t, config.StatusConnectWait, parseStatus("connect_wait"))
	assert.Equal(t, config.StatusQuarantined, parseStatus("quarantined"))
	assert.Equal(t, config.StatusDown, parseStatus("bogus"))

	assert.Equal(t, registry.OpUp, parseOpKind("up"))
	assert.Equal(t, registry.OpRecovery, parseOpKind("recovery"))
	assert.Equal(t, registry.OpCloseIdle, parseOpKind("close_idle"))
	assert.Equal(t, registry.OpPromote, parseOpKind("promote"))
	assert.Equal(t, registry.OpQuarantine, parseOpKind("quarantine"))
	assert.Equal(t, registry.OpDown, parseOpKind("bogus"))
}
