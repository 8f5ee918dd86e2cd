package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WdFrame is the watchdog wire frame:
// type:1 | cmdId:uint32 BE | len:uint32 BE | data:bytes.
//
// No ecosystem wire-framing library speaks this exact shape (pgproto3
// only knows the PostgreSQL frame formats), so unlike the
// client/backend codecs this one stays on encoding/binary.
type WdFrame struct {
	Type byte
	CommandID uint32
	Data []byte
}

func EncodeWdFrame(f WdFrame) []byte {
	out := make([]byte, 1+4+4+len(f.Data))
	out[0] = f.Type
	binary.BigEndian.PutUint32(out[1:5], f.CommandID)
	binary.BigEndian.PutUint32(out[5:9], uint32(len(f.Data)))
	copy(out[9:], f.Data)
	return out
}

// WriteWdFrame writes f to w (unbuffered, for socket writes) and
// returns any write error.
func WriteWdFrame(w io.Writer, f WdFrame) error {
	_, err := w.Write(EncodeWdFrame(f))
	return err
}

// maxWdFrameData bounds a single frame's payload so a corrupt peer
// cannot make us allocate unboundedly.
const maxWdFrameData = 64 * 1024 * 1024

// ReadWdFrame reads one frame from r.
func ReadWdFrame(r io.Reader) (WdFrame, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WdFrame{}, err
	}
	cmdID := binary.BigEndian.Uint32(hdr[1:5])
	n := binary.BigEndian.Uint32(hdr[5:9])
	if n > maxWdFrameData {
		return WdFrame{}, fmt.Errorf("wire: watchdog frame too large: %d", n)
	}
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return WdFrame{}, err
		}
	}
	return WdFrame{Type: hdr[0], CommandID: cmdID, Data: data}, nil
}

// Watchdog frame type bytes.
const (
	WdAddNode byte = 'A'
	WdReqInfo byte = 'B'
	WdDeclareCoordinator byte = 'C'
	WdData byte = 'D'
	WdError byte = 'E'
	WdFailoverStart byte = 'F'
	WdAccept byte = 'G'
	WdFailoverEnd byte = 'H'
	WdInfo byte = 'I'
	WdJoinCoordinator byte = 'J'
	WdFailoverWaitingForConsensus byte = 'K'
	WdIAmCoordinator byte = 'M'
	WdIAmInNwTrouble byte = 'N'
	WdQuorumIsLost byte = 'Q'
	WdReject byte = 'R'
	WdStandForCoordinator byte = 'S'
	WdInformIAmGoingDown byte = 'X'
	WdAskForPoolConfig byte = 'Y'
	WdPoolConfigData byte = 'Z'
	WdCmdReplyInData byte = '-'
	WdClusterService byte = '#'
)

// ClusterService sub-types carried in a '#' frame's first data byte.
const (
	ClusterServiceLock byte = 'L'
	ClusterServiceFailoverStart byte = 'F'
	ClusterServiceFailoverEnd byte = 'B'
	ClusterServiceError byte = 'E'
	ClusterServiceMessage byte = 'M'
	ClusterServiceExecute byte = 'X'
	ClusterServiceReject byte = 'R'
	ClusterServiceVote byte = 'V'
)
