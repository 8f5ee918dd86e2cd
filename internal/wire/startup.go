package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Startup packet magic values.
const (
	MagicCancelRequest = 80877102
	MagicSSLRequest = 80877103
	MagicGSSAPIRequest = 80877104
)

// StartupPacket holds a decoded startup packet: protocol major/minor,
// database, user, optional application name, with V3 options
// canonically sorted so two startup packets that carry the same set
// of options compare byte-equal regardless of wire order.
type StartupPacket struct {
	ProtoMajor int
	ProtoMinor int

	// V3 options, as received (not yet sorted). nil for V2 or for
	// CancelRequest/SSLRequest.
	Options map[string]string

	// V2 fixed fields, populated only when ProtoMajor == 2.
	V2Database string
	V2User string
	V2Options string
	V2Tty string

	User string
	Database string
	ApplicationName string

	// CancelPID/CancelKey are populated only for a CancelRequest.
	CancelPID int32
	CancelKey int32

	// canonical holds the canonically-sorted byte form, computed once
	// by Canonicalize and cached for repeated comparisons (the pool's
	// Acquire does this on every lookup).
	canonical []byte
}

const (
	maxStartupPacketLen = 10000
	minStartupPacketLen = 1
)

// ParseStartupPacket reads and classifies a startup packet off c,
// rejecting lengths outside (0, 10000) defensively even though a
// caller may have already screened for this.
func ParseStartupPacket(c *Conn) (*StartupPacket, error) {
	lenBuf, err := c.ReadN(4)
	if err != nil {
		return nil, err
	}
	totalLen := int(binary.BigEndian.Uint32(lenBuf))
	bodyLen := totalLen - 4
	if bodyLen < minStartupPacketLen || totalLen >= maxStartupPacketLen {
		return nil, fmt.Errorf("wire: invalid startup packet length %d", totalLen)
	}

	code, err := c.ReadN(4)
	if err != nil {
		return nil, err
	}
	codeVal := int32(binary.BigEndian.Uint32(code))
	remaining := bodyLen - 4

	switch int(codeVal) {
	case MagicCancelRequest:
		body, err := c.ReadN(remaining)
		if err != nil {
			return nil, err
		}
		if len(body) < 8 {
			return nil, fmt.Errorf("wire: short CancelRequest body")
		}
		return &StartupPacket{
			ProtoMajor: -1,
			CancelPID: int32(binary.BigEndian.Uint32(body[0:4])),
			CancelKey: int32(binary.BigEndian.Uint32(body[4:8])),
		}, nil
	case MagicSSLRequest:
		if remaining != 0 {
			if _, err := c.ReadN(remaining); err != nil {
				return nil, err
			}
		}
		return &StartupPacket{ProtoMajor: -2}, nil
	case MagicGSSAPIRequest:
		if remaining != 0 {
			if _, err := c.ReadN(remaining); err != nil {
				return nil, err
			}
		}
		return &StartupPacket{ProtoMajor: -3}, nil
	}

	protoMajor := int(codeVal >> 16)
	protoMinor := int(codeVal & 0xffff)

	sp := &StartupPacket{ProtoMajor: protoMajor, ProtoMinor: protoMinor}

	if protoMajor == 2 {
		body, err := c.ReadN(remaining)
		if err != nil {
			return nil, err
		}
		sp.V2Database = cstr(body, 0, 64)
		sp.V2User = cstr(body, 64, 32)
		sp.V2Options = cstr(body, 96, 64)
		sp.V2Tty = cstr(body, 224, 64)
		sp.User = sp.V2User
		sp.Database = sp.V2Database
		return sp, nil
	}

	// V3: sequence of null-terminated key/value pairs, terminated by
	// an empty key.
	opts := make(map[string]string)
	for {
		key, err := c.ReadUntilNull()
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			break
		}
		val, err := c.ReadUntilNull()
		if err != nil {
			return nil, err
		}
		opts[string(key)] = string(val)
	}
	sp.Options = opts
	sp.User = opts["user"]
	sp.Database = opts["database"]
	sp.ApplicationName = opts["application_name"]
	if sp.Database == "" {
		sp.Database = sp.User
	}
	return sp, nil
}

func cstr(b []byte, off, maxlen int) string {
	if off >= len(b) {
		return ""
	}
	end := off + maxlen
	if end > len(b) {
		end = len(b)
	}
	seg := b[off:end]
	if i := bytes.IndexByte(seg, 0); i >= 0 {
		seg = seg[:i]
	}
	return string(seg)
}

// IsCancelRequest, IsSSLRequest report the special pre-protocol forms.
func (sp *StartupPacket) IsCancelRequest() bool { return sp.ProtoMajor == -1 }
func (sp *StartupPacket) IsSSLRequest() bool { return sp.ProtoMajor == -2 }
func (sp *StartupPacket) IsGSSAPIRequest() bool { return sp.ProtoMajor == -3 }

// Canonicalize produces the byte form used for pool-lookup comparison:
// V3 options sorted by key, joined as "key=value\n" lines. Two startup
// packets with the same (key,value) set canonicalize identically
// regardless of wire order.
func (sp *StartupPacket) Canonicalize() []byte {
	if sp.canonical != nil {
		return sp.canonical
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "major=%d\n", sp.ProtoMajor)
	if sp.ProtoMajor == 2 {
		fmt.Fprintf(&buf, "user=%s\ndatabase=%s\noptions=%s\ntty=%s\n",
			sp.V2User, sp.V2Database, sp.V2Options, sp.V2Tty)
		sp.canonical = buf.Bytes()
		return sp.canonical
	}
	keys := make([]string, 0, len(sp.Options))
	for k := range sp.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, sp.Options[k])
	}
	sp.canonical = buf.Bytes()
	return sp.canonical
}

// Equal reports byte-identity after canonicalization, the reuse
// contract's first requirement.
func (sp *StartupPacket) Equal(other *StartupPacket) bool {
	if sp == nil || other == nil {
		return sp == other
	}
	return bytes.Equal(sp.Canonicalize(), other.Canonicalize())
}

// Encode serializes sp back into wire bytes — used when the pool
// replays a cached startup packet toward a freshly opened backend
// connection.
func (sp *StartupPacket) Encode() []byte {
	var body bytes.Buffer
	if sp.ProtoMajor == 2 {
		binary.Write(&body, binary.BigEndian, int32(2)<<16)
		fixed := make([]byte, 256)
		copy(fixed[0:64], sp.V2Database)
		copy(fixed[64:96], sp.V2User)
		copy(fixed[96:160], sp.V2Options)
		copy(fixed[224:256], sp.V2Tty)
		body.Write(fixed)
	} else {
		binary.Write(&body, binary.BigEndian, int32(sp.ProtoMajor)<<16|int32(sp.ProtoMinor))
		keys := make([]string, 0, len(sp.Options))
		for k := range sp.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			body.WriteString(k)
			body.WriteByte(0)
			body.WriteString(sp.Options[k])
			body.WriteByte(0)
		}
		body.WriteByte(0)
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(4+body.Len()))
	return append(out, body.Bytes()...)
}
