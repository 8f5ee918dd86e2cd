// Package failover implements the failover request channel: the
// worker-side RequestNodeOp call and the parent-side consumer that
// dequeues, coalesces (handled inside registry.PushRequest) and
// resolves each request.
package failover

import (
	"context"
	"fmt"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

// RequestNodeOp is the worker-side call: push onto the shared
// reqQueue and wait for the parent to resolve it. Reject (false) if
// the queue is full rather than blocking the worker.
func RequestNodeOp(ctx context.Context, reg *registry.ClusterRegistry, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) (registry.OpResult, bool) {
	req := &registry.NodeOpRequest{
		Kind: kind,
		NodeIDs: nodeIDs,
		Flags: flags,
		Resolved: make(chan registry.OpResult, 1),
	}
	if !reg.PushRequest(req) {
		return registry.OpResult{Accepted: false, Err: fmt.Errorf("failover: request queue full")}, false
	}
	select {
	case res := <-req.Resolved:
		return res, true
	case <-ctx.Done():
		return registry.OpResult{Accepted: false, Err: ctx.Err()}, false
	}
}

// ConsensusEngine is the decision procedure a failover request is
// checked against — declared here so the consumer loop below doesn't
// need to import internal/watchdog/consensus (which in turn depends
// on this package for nothing, but keeping the dependency
// one-directional avoids ever having to care).
type ConsensusEngine interface {
	Decide(ctx context.Context, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) (accept bool, err error)
}

// Consumer is the parent-side loop: pop requests from the registry's
// reqQueue, resolve the UpdateOnly fast path directly, otherwise defer
// to the consensus engine (only meaningful on the coordinator; a
// non-coordinating watchdog's engine should always accept locally
// sourced requests, since consensus is specifically about
// cluster-wide agreement, not single-node application).
type Consumer struct {
	reg *registry.ClusterRegistry
	engine ConsensusEngine
}

func NewConsumer(reg *registry.ClusterRegistry, engine ConsensusEngine) *Consumer {
	return &Consumer{reg: reg, engine: engine}
}

// Run drains the reqQueue until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for {
		req, ok := c.reg.PopRequest(ctx)
		if !ok {
			return
		}
		c.resolve(ctx, req)
	}
}

func (c *Consumer) resolve(ctx context.Context, req *registry.NodeOpRequest) {
	if req.Flags.Has(registry.FlagUpdateOnly) {
		c.applyStatus(req)
		req.Resolved <- registry.OpResult{Accepted: true}
		return
	}

	accept, err := c.engine.Decide(ctx, req.Kind, req.NodeIDs, req.Flags)
	if accept {
		c.applyStatus(req)
	}
	req.Resolved <- registry.OpResult{Accepted: accept, Err: err}
}

// applyStatus is the "UpdateOnly skips the consensus round and just
// rewrites statuses" half of request resolution, shared with the
// post-consensus accept path.
func (c *Consumer) applyStatus(req *registry.NodeOpRequest) {
	var status config.BackendStatus
	switch req.Kind {
	case registry.OpUp, registry.OpRecovery:
		status = config.StatusUp
	case registry.OpDown:
		status = config.StatusDown
	case registry.OpQuarantine:
		status = config.StatusQuarantined
	default:
		return
	}
	for _, nodeID := range req.NodeIDs {
		c.reg.SetStatus(nodeID, status)
	}
}
