// Package registry implements the shared cluster registry:
// process-wide backend-node status, the failover request queue, and
// the cross-worker counters every frontend session worker and the
// watchdog observe and mutate under a single-writer-per-field
// discipline.
package registry

import "github.com/gpaulavicius/pgpool2/internal/config"

// NodeOpKind enumerates the kinds of NodeOpRequest.
type NodeOpKind int

const (
	OpUp NodeOpKind = iota
	OpDown
	OpRecovery
	OpCloseIdle
	OpPromote
	OpQuarantine
)

func (k NodeOpKind) String() string {
	switch k {
	case OpUp:
		return "up"
	case OpDown:
		return "down"
	case OpRecovery:
		return "recovery"
	case OpCloseIdle:
		return "close_idle"
	case OpPromote:
		return "promote"
	case OpQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// NodeOpFlags are the flags a NodeOpRequest carries, a bitset.
type NodeOpFlags uint8

const (
	FlagSwitchover NodeOpFlags = 1 << iota
	FlagFromWatchdog
	FlagConfirmed
	FlagUpdateOnly
)

func (f NodeOpFlags) Has(flag NodeOpFlags) bool { return f&flag != 0 }

// NodeOpRequest is one entry of the bounded reqQueue ring.
type NodeOpRequest struct {
	Kind NodeOpKind
	NodeIDs []int
	Flags NodeOpFlags
	Resolved chan OpResult
}

// OpResult is handed back to the submitting worker once the parent
// has resolved a NodeOpRequest through the consensus engine.
type OpResult struct {
	Accepted bool
	Err error
}

// BackendState is the live, mutable counterpart of a
// config.BackendDescriptor — the registry's per-node status, which
// changes over the process lifetime while the static hostname/port/
// weight configuration does not.
type BackendState struct {
	Desc config.BackendDescriptor
	Status config.BackendStatus
	Role config.BackendRole
}

// Snapshot is the private, point-in-time copy of all backend state a
// worker takes at startup.
type Snapshot struct {
	Backends []BackendState
	MasterNodeID int
	PrimaryNodeID int
	Switching bool
	Generation uint64
}
