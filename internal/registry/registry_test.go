package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpaulavicius/pgpool2/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Backends: []config.BackendDescriptor{
			{NodeID: 0, Hostname: "n0", Port: 5432, Weight: 1, Role: config.RolePrimary, Status: config.StatusUp},
			{NodeID: 1, Hostname: "n1", Port: 5432, Weight: 1, Role: config.RoleStandby, Status: config.StatusUp},
			{NodeID: 2, Hostname: "n2", Port: 5432, Weight: 1, Role: config.RoleStandby, Status: config.StatusDown},
		},
	}
}

func TestNewClusterRegistryComputesMasterAndPrimary(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	snap := r.Snapshot()
	assert.Equal(t, 0, snap.MasterNodeID)
	assert.Equal(t, 0, snap.PrimaryNodeID)
}

func TestConnCounterIncDec(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	ctx := context.Background()

	n, err := r.IncConn(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = r.IncConn(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 2, r.ConnCount())

	n, err = r.DecConn(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDecConnNeverGoesNegative(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	n, err := r.DecConn(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSetStatusRecomputesMaster(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	require.NoError(t, r.SetStatus(0, config.StatusDown))

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.MasterNodeID)
	assert.True(t, r.StatusChanged())
	// StatusChanged clears the flag on read.
	assert.False(t, r.StatusChanged())
}

func TestSetStatusUnknownNode(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	err := r.SetStatus(99, config.StatusDown)
	assert.Error(t, err)
}

func TestSetWeightOnlyTouchesWeight(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	require.NoError(t, r.SetWeight(1, 3.5))

	snap := r.Snapshot()
	assert.Equal(t, 3.5, snap.Backends[1].Desc.Weight)
	assert.Equal(t, config.RoleStandby, snap.Backends[1].Role)
	assert.Equal(t, config.StatusUp, snap.Backends[1].Status)
}

func TestSetWeightUnknownNode(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	assert.Error(t, r.SetWeight(42, 1))
}

func TestSwitchingFlag(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	assert.False(t, r.IsSwitching())
	r.SetSwitching(true)
	assert.True(t, r.IsSwitching())
}

func TestAnyUp(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	assert.True(t, r.AnyUp())

	for i := range r.backends {
		require.NoError(t, r.SetStatus(i, config.StatusDown))
	}
	assert.False(t, r.AnyUp())
}

func TestPushRequestCoalescesIdenticalOps(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	req1 := &NodeOpRequest{Kind: OpDown, NodeIDs: []int{2}}
	req2 := &NodeOpRequest{Kind: OpDown, NodeIDs: []int{2}}

	assert.True(t, r.PushRequest(req1))
	assert.True(t, r.PushRequest(req2))

	got, ok := r.PopRequest(context.Background())
	require.True(t, ok)
	assert.Same(t, req1, got)

	// the coalesced duplicate must not have also been enqueued
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, ok = r.PopRequest(ctx)
	assert.False(t, ok)
}

func TestPushPopDistinctOps(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	reqA := &NodeOpRequest{Kind: OpDown, NodeIDs: []int{1}}
	reqB := &NodeOpRequest{Kind: OpUp, NodeIDs: []int{1}}

	require.True(t, r.PushRequest(reqA))
	require.True(t, r.PushRequest(reqB))

	got1, ok := r.PopRequest(context.Background())
	require.True(t, ok)
	got2, ok := r.PopRequest(context.Background())
	require.True(t, ok)

	assert.ElementsMatch(t, []*NodeOpRequest{reqA, reqB}, []*NodeOpRequest{got1, got2})
}

func TestPopRequestUnblocksOnContextCancel(t *testing.T) {
	r := NewClusterRegistry(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := r.PopRequest(ctx)
	assert.False(t, ok)
}
