// Package wire (the watchdog one) layers a typed Packet — the
// beacon/command payload carried inside the raw type|cmdId|len|data
// frame internal/wire already frames — on top of that byte-level
// codec. Payloads are JSON, the same encoding used elsewhere in this
// codebase for persisting and transmitting typed cluster state,
// rather than reaching for gob or protobuf.
package wire

import (
	"encoding/json"
	"time"

	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
)

// Packet is the watchdog message: the frame type byte plus whichever
// typed fields that type carries. Not every field is
// populated for every Type — ADD_NODE cares about NodeID/AuthHash,
// IAM_COORDINATOR/DECLARE_COORDINATOR care about the beacon fields,
// cluster-service frames care about Service/ServiceData.
type Packet struct {
	Type byte `json:"-"`
	CommandID uint32 `json:"-"`

	NodeID string `json:"node_id,omitempty"`
	AuthHash string `json:"auth_hash,omitempty"`
	// ProtoVersion is carried on ADD_NODE only, so two peers running an
	// incompatible auth-handshake construction reject each other
	// instead of failing AuthHash verification silently.
	ProtoVersion int `json:"proto_version,omitempty"`

	// Beacon fields, split-brain arbitration.
	Escalated bool `json:"escalated,omitempty"`
	QuorumStatus int `json:"quorum_status,omitempty"`
	StandbyNodeCount int `json:"standby_node_count,omitempty"`
	CurrentStateTime time.Time `json:"current_state_time,omitempty"`
	Priority int `json:"priority,omitempty"`

	// Cluster-service sub-frame ('#').
	Service byte `json:"service,omitempty"`
	ServiceData []byte `json:"service_data,omitempty"`

	// PoolConfigData ('Z'), supplement: a strategic merge
	// patch to apply onto the receiver's per-node backend weights.
	PoolConfigPatch []byte `json:"pool_config_patch,omitempty"`
}

type wireForm struct {
	NodeID string `json:"node_id,omitempty"`
	AuthHash string `json:"auth_hash,omitempty"`
	ProtoVersion int `json:"proto_version,omitempty"`
	Escalated bool `json:"escalated,omitempty"`
	QuorumStatus int `json:"quorum_status,omitempty"`
	StandbyNodeCount int `json:"standby_node_count,omitempty"`
	CurrentStateTime time.Time `json:"current_state_time,omitempty"`
	Priority int `json:"priority,omitempty"`
	Service byte `json:"service,omitempty"`
	ServiceData []byte `json:"service_data,omitempty"`
	PoolConfigPatch []byte `json:"pool_config_patch,omitempty"`
}

// Encode produces the raw frame to put on the wire.
func (p Packet) Encode() corewire.WdFrame {
	data, _ := json.Marshal(wireForm{
		NodeID: p.NodeID,
		AuthHash: p.AuthHash,
		ProtoVersion: p.ProtoVersion,
		Escalated: p.Escalated,
		QuorumStatus: p.QuorumStatus,
		StandbyNodeCount: p.StandbyNodeCount,
		CurrentStateTime: p.CurrentStateTime,
		Priority: p.Priority,
		Service: p.Service,
		ServiceData: p.ServiceData,
		PoolConfigPatch: p.PoolConfigPatch,
	})
	return corewire.WdFrame{Type: p.Type, CommandID: p.CommandID, Data: data}
}

// Decode reconstructs a Packet from a frame read off the wire.
func Decode(f corewire.WdFrame) (Packet, error) {
	var w wireForm
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &w); err != nil {
			return Packet{}, err
		}
	}
	return Packet{
		Type: f.Type,
		CommandID: f.CommandID,
		NodeID: w.NodeID,
		AuthHash: w.AuthHash,
		ProtoVersion: w.ProtoVersion,
		Escalated: w.Escalated,
		QuorumStatus: w.QuorumStatus,
		StandbyNodeCount: w.StandbyNodeCount,
		CurrentStateTime: w.CurrentStateTime,
		Priority: w.Priority,
		Service: w.Service,
		ServiceData: w.ServiceData,
		PoolConfigPatch: w.PoolConfigPatch,
	}, nil
}

// HasBeaconFields reports whether p carries a beacon, judged by a
// non-zero CurrentStateTime alone. Escalated, QuorumStatus and
// StandbyNodeCount are omitted from the JSON when zero, so a missing
// one cannot be told from a zero value and is not detected. A packet
// without CurrentStateTime means "insufficient data", which resolves
// to CLUSTER_NEEDS_ELECTION rather than a tie-break.
func (p Packet) HasBeaconFields() bool {
	return !p.CurrentStateTime.IsZero()
}
