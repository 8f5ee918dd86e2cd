package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

type stubEngine struct {
	accept bool
	err error
	calls int
}

func (s *stubEngine) Decide(ctx context.Context, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) (bool, error) {
	s.calls++
	return s.accept, s.err
}

func testRegistry() *registry.ClusterRegistry {
	return registry.NewClusterRegistry(&config.Config{
		Backends: []config.BackendDescriptor{
			{NodeID: 0, Role: config.RolePrimary, Status: config.StatusUp},
			{NodeID: 1, Role: config.RoleStandby, Status: config.StatusUp},
		},
	})
}

func TestRequestNodeOpResolvesThroughConsumer(t *testing.T) {
	reg := testRegistry()
	engine := &stubEngine{accept: true}
	c := NewConsumer(reg, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	res, ok := RequestNodeOp(context.Background(), reg, registry.OpDown, []int{1}, 0)
	require.True(t, ok)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, engine.calls)
	assert.Equal(t, config.StatusDown, reg.Snapshot().Backends[1].Status)
}

func TestRequestNodeOpRejectedByConsensusDoesNotChangeStatus(t *testing.T) {
	reg := testRegistry()
	engine := &stubEngine{accept: false}
	c := NewConsumer(reg, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	res, ok := RequestNodeOp(context.Background(), reg, registry.OpDown, []int{1}, 0)
	require.True(t, ok)
	assert.False(t, res.Accepted)
	assert.Equal(t, config.StatusUp, reg.Snapshot().Backends[1].Status)
}

func TestRequestNodeOpUpdateOnlySkipsConsensus(t *testing.T) {
	reg := testRegistry()
	engine := &stubEngine{accept: false}
	c := NewConsumer(reg, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	res, ok := RequestNodeOp(context.Background(), reg, registry.OpDown, []int{1}, registry.FlagUpdateOnly)
	require.True(t, ok)
	assert.True(t, res.Accepted)
	assert.Equal(t, 0, engine.calls)
	assert.Equal(t, config.StatusDown, reg.Snapshot().Backends[1].Status)
}

func TestRequestNodeOpTimesOutWhenNoConsumerRunning(t *testing.T) {
	reg := testRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := RequestNodeOp(ctx, reg, registry.OpDown, []int{1}, 0)
	assert.False(t, ok)
}

func TestConsumerRunStopsOnContextCancel(t *testing.T) {
	reg := testRegistry()
	c := NewConsumer(reg, &stubEngine{accept: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
