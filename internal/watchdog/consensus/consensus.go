// Package consensus implements the failover consensus engine — only
// ever run by the coordinator.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

// Decision is the outcome of one Vote/Decide call.
type Decision int

const (
	Proceed Decision = iota
	NoQuorum
	BuildingConsensus
	ConsensusMayFail
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case NoQuorum:
		return "no_quorum"
	case BuildingConsensus:
		return "building_consensus"
	case ConsensusMayFail:
		return "consensus_may_fail"
	default:
		return "unknown"
	}
}

// failoverObject tracks in-flight voting for one failover decision,
// keyed by (kind, sorted node list).
type failoverObject struct {
	kind registry.NodeOpKind
	nodeIDs []int
	voters map[string]bool
	votes int
	created time.Time
}

func objectKey(kind registry.NodeOpKind, nodeIDs []int) string {
	sorted := append([]int{}, nodeIDs...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%d:%s", kind, strings.Join(parts, ","))
}

// Notifier is the subset of the watchdog transport the engine needs:
// broadcasting FAILOVER_WAITING_FOR_CONSENSUS, and the coordinator
// self-resignation special case at the end of Sweep.
type Notifier interface {
	BroadcastWaitingForConsensus()
	Resign()
}

// Engine is the coordinator-only consensus engine. It satisfies
// internal/failover.ConsensusEngine for locally originated requests
// (voter "self") and additionally exposes VoteFromPeer for requests a
// remote peer forwarded.
type Engine struct {
	cfg *config.Config
	reg *registry.ClusterRegistry
	notifier Notifier

	// totalNodes/standbyCount are callbacks rather than fields so the
	// engine always reads live cluster size, not a snapshot taken at
	// construction.
	totalNodes func() int
	standbyCount func() int
	amCoordinator func() bool

	mu sync.Mutex
	objects map[string]*failoverObject
}

func New(cfg *config.Config, reg *registry.ClusterRegistry, notifier Notifier, totalNodes, standbyCount func() int, amCoordinator func() bool) *Engine {
	return &Engine{
		cfg: cfg,
		reg: reg,
		notifier: notifier,
		totalNodes: totalNodes,
		standbyCount: standbyCount,
		amCoordinator: amCoordinator,
		objects: make(map[string]*failoverObject),
	}
}

// Decide implements internal/failover.ConsensusEngine for a locally
// originated request.
func (e *Engine) Decide(ctx context.Context, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) (bool, error) {
	d := e.vote(ctx, "self", kind, nodeIDs, flags)
	return d == Proceed, nil
}

// VoteFromPeer is the same decision procedure applied to a request a
// remote peer forwarded; on Proceed the caller (the watchdog state
// machine) executes the failover locally and replies WILL_BE_DONE.
func (e *Engine) VoteFromPeer(ctx context.Context, peer string, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) Decision {
	return e.vote(ctx, peer, kind, nodeIDs, flags)
}

// vote implements the consensus engine's five-step voting procedure.
func (e *Engine) vote(ctx context.Context, voter string, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) Decision {
	if !requiresConsensus(kind) || flags.Has(registry.FlagConfirmed) || !e.cfg.QuorumRequired {
		return Proceed
	}

	n := e.totalNodes()
	if n > 1 {
		required := (n - 1 + 1) / 2 // ceil((N-1)/2)
		if e.standbyCount() < required {
			return NoQuorum
		}
	}

	e.mu.Lock()
	key := objectKey(kind, nodeIDs)
	obj, ok := e.objects[key]
	if !ok {
		obj = &failoverObject{kind: kind, nodeIDs: nodeIDs, voters: make(map[string]bool), created: time.Now()}
		e.objects[key] = obj
	}
	if obj.voters[voter] && !e.cfg.AllowMultipleFailoverRequestsFromNode {
		e.mu.Unlock()
		return ConsensusMayFail
	}
	obj.voters[voter] = true
	obj.votes++
	votes := obj.votes
	required := minVotesForConsensus(n, e.cfg.EnableConsensusWithHalf)
	if votes >= required {
		delete(e.objects, key)
		e.mu.Unlock()
		return Proceed
	}
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.BroadcastWaitingForConsensus()
	}
	return BuildingConsensus
}

// requiresConsensus is the policy table for whether an op needs
// cluster agreement: status-only bookkeeping ops don't.
func requiresConsensus(kind registry.NodeOpKind) bool {
	switch kind {
	case registry.OpCloseIdle:
		return false
	default:
		return true
	}
}

// minVotesForConsensus computes the quorum threshold for n total
// nodes.
func minVotesForConsensus(n int, halfVotesPolicy bool) int {
	if n <= 0 {
		return 0
	}
	if n%2 == 0 {
		if halfVotesPolicy {
			return n / 2
		}
		return n/2 + 1
	}
	return (n + 1) / 2
}

// Sweep runs the timeout sweep: objects older than 15s are retired;
// the coordinator-resignation special case fires when the coordinator
// itself voted Down for the primary, consensus never built, and the
// primary sits Quarantined with no other Up primary.
func (e *Engine) Sweep() {
	const ttl = 15 * time.Second
	now := time.Now()

	e.mu.Lock()
	var retired []*failoverObject
	for key, obj := range e.objects {
		if now.Sub(obj.created) >= ttl {
			retired = append(retired, obj)
			delete(e.objects, key)
		}
	}
	e.mu.Unlock()

	if !e.amCoordinator() {
		return
	}
	for _, obj := range retired {
		if obj.kind == registry.OpDown && obj.voters["self"] && e.primaryStrandedQuarantined(obj.nodeIDs) {
			if e.notifier != nil {
				e.notifier.Resign()
			}
			return
		}
	}
}

func (e *Engine) primaryStrandedQuarantined(nodeIDs []int) bool {
	snap := e.reg.Snapshot()
	for _, id := range nodeIDs {
		if id < 0 || id >= len(snap.Backends) {
			continue
		}
		b := snap.Backends[id]
		if b.Role != config.RolePrimary || b.Status != config.StatusQuarantined {
			continue
		}
		for _, other := range snap.Backends {
			if other.Role == config.RolePrimary && other.Status == config.StatusUp {
				return false
			}
		}
		return true
	}
	return false
}
