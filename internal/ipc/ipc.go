// Package ipc implements the local IPC surface: the frame format
// collaborators (client tooling, admin commands) use to talk to the
// running proxy over a Unix socket, the named command types, and the
// reply codes.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command is one of the eight IPC command types.
type Command byte

const (
	CmdFailoverCommand Command = iota + 1
	CmdOnlineRecovery
	CmdGetMasterData
	CmdFailoverIndication
	CmdNodeStatusChange
	CmdGetNodesList
	CmdGetRuntimeVariableValue
	CmdRegisterForNotification
)

func (c Command) String() string {
	switch c {
	case CmdFailoverCommand:
		return "failover_command"
	case CmdOnlineRecovery:
		return "online_recovery"
	case CmdGetMasterData:
		return "get_master_data"
	case CmdFailoverIndication:
		return "failover_indication"
	case CmdNodeStatusChange:
		return "node_status_change"
	case CmdGetNodesList:
		return "get_nodes_list"
	case CmdGetRuntimeVariableValue:
		return "get_runtime_variable_value"
	case CmdRegisterForNotification:
		return "register_for_notification"
	default:
		return "unknown"
	}
}

// internalOnly reports whether c is one of the "internal-only" IPC
// types that must carry an auth key or shared-memory key alongside
// the command.
func (c Command) internalOnly() bool {
	switch c {
	case CmdFailoverCommand, CmdNodeStatusChange, CmdRegisterForNotification:
		return true
	default:
		return false
	}
}

// ReplyCode is one of the four reply codes.
type ReplyCode byte

const (
	ResultOk ReplyCode = iota
	ResultBad
	ResultClusterInTran
	ResultTimeout
)

// Request is one frame read off the Unix socket: a command byte, an
// optional auth/shm key (required for internalOnly commands), and a
// payload whose shape depends on the command.
type Request struct {
	Cmd Command
	AuthKey string
	Payload []byte
}

// Response is the frame written back.
type Response struct {
	Code ReplyCode
	Payload []byte
}

// Encode/Decode use the same length-prefixed shape as the watchdog
// peer frames (internal/wire.WdFrame) for consistency across this
// module's two wire formats, rather than inventing a third.

func WriteRequest(w io.Writer, r Request) error {
	keyBytes := []byte(r.AuthKey)
	buf := make([]byte, 1+2+len(keyBytes)+4+len(r.Payload))
	buf[0] = byte(r.Cmd)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(keyBytes)))
	copy(buf[3:3+len(keyBytes)], keyBytes)
	off := 3 + len(keyBytes)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(r.Payload)))
	copy(buf[off+4:], r.Payload)
	_, err := w.Write(buf)
	return err
}

func ReadRequest(r io.Reader) (Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}
	cmd := Command(hdr[0])
	keyLen := binary.BigEndian.Uint16(hdr[1:3])
	key := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err := io.ReadFull(r, key); err != nil {
			return Request{}, err
		}
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Request{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Request{}, err
		}
	}
	if cmd.internalOnly() && keyLen == 0 {
		return Request{}, fmt.Errorf("ipc: command %s requires an auth key", cmd)
	}
	return Request{Cmd: cmd, AuthKey: string(key), Payload: payload}, nil
}

func WriteResponse(w io.Writer, resp Response) error {
	buf := make([]byte, 1+4+len(resp.Payload))
	buf[0] = byte(resp.Code)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(resp.Payload)))
	copy(buf[5:], resp.Payload)
	_, err := w.Write(buf)
	return err
}

func ReadResponse(r io.Reader) (Response, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Response{}, err
		}
	}
	return Response{Code: ReplyCode(hdr[0]), Payload: payload}, nil
}
