// Package wire implements the length-prefixed framing pgpool2 speaks
// on both sides of the proxy: the PostgreSQL frontend/backend protocol
// and the watchdog peer protocol. Message-level PostgreSQL parsing is
// delegated to github.com/jackc/pgx/v5/pgproto3 (see client.go,
// backend.go); this file implements the raw, protocol-agnostic
// primitives both codecs need directly on top of a net.Conn: read(n),
// readUntilNull, peekByte, write, flush, pushback and a non-blocking
// pending() probe.
package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// ErrWouldBlock names the "no data buffered, a read would block"
// condition. Pending does not return it: it reports that case as
// (false, nil).
var ErrWouldBlock = errors.New("wire: no data currently pending")

// Conn is the raw byte-level half of either a FrontendConn or a
// BackendSlot's socket. It owns exactly three buffers: pending inbound
// (bufio.Reader), write-side (bufio.Writer), and a push-back buffer
// used to replay bytes already
// consumed from the inbound buffer.
type Conn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer

	pushback []byte
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn: c,
		r: bufio.NewReaderSize(c, 64*1024),
		w: bufio.NewWriterSize(c, 64*1024),
	}
}

// Read implements io.Reader by draining any pushed-back bytes first,
// then the buffered reader — this is the Read pgproto3's Backend/
// Frontend codecs see, so bytes we peeked or pushed back during
// startup-packet classification are not lost once message-level
// parsing takes over.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.pushback) > 0 {
		n := copy(p, c.pushback)
		c.pushback = c.pushback[n:]
		return n, nil
	}
	return c.r.Read(p)
}

// ReadN reads exactly n bytes, first draining any pushed-back bytes.
func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	off := 0
	if len(c.pushback) > 0 {
		k := copy(buf, c.pushback)
		c.pushback = c.pushback[k:]
		off = k
	}
	if off < n {
		if _, err := io.ReadFull(c.r, buf[off:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadUntilNull reads bytes up to and including the next zero byte,
// returning the bytes read without the terminator — used to parse the
// null-terminated key/value pairs of a V3 startup packet.
func (c *Conn) ReadUntilNull() ([]byte, error) {
	if len(c.pushback) > 0 {
		if idx := indexByte(c.pushback, 0); idx >= 0 {
			out := append([]byte{}, c.pushback[:idx]...)
			c.pushback = c.pushback[idx+1:]
			return out, nil
		}
	}
	line, err := c.r.ReadBytes(0)
	if err != nil {
		return nil, err
	}
	full := append(c.pushback, line[:len(line)-1]...)
	c.pushback = nil
	return full, nil
}

func indexByte(b []byte, v byte) int {
	for i, c := range b {
		if c == v {
			return i
		}
	}
	return -1
}

// PeekByte returns the next byte without consuming it — used to look
// ahead at a message's kind byte before deciding how to route it.
func (c *Conn) PeekByte() (byte, error) {
	if len(c.pushback) > 0 {
		return c.pushback[0], nil
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Pushback replays b before any subsequently read bytes.
// ParseStartupPacket classifies the CancelRequest/SSLRequest magic
// without it, and no code in this module calls it.
func (c *Conn) Pushback(b []byte) {
	c.pushback = append(append([]byte{}, b...), c.pushback...)
}

// Pending does a non-blocking check for already-buffered input: it
// never blocks, returning (false, nil) if nothing is available yet and
// (false, io.EOF) once the peer has closed. internal/pool's
// anySlotDead uses it as a liveness probe of idle backend sockets.
func (c *Conn) Pending() (bool, error) {
	if len(c.pushback) > 0 {
		return true, nil
	}
	if c.r.Buffered() > 0 {
		return true, nil
	}
	if err := c.Conn.SetReadDeadline(time.Now()); err != nil {
		return false, err
	}
	defer c.Conn.SetReadDeadline(time.Time{})
	_, err := c.r.Peek(1)
	if err == nil {
		return true, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, nil
	}
	if errors.Is(err, io.EOF) {
		return false, io.EOF
	}
	return false, err
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *Conn) Flush() error {
	return c.w.Flush()
}

func (c *Conn) Reader() io.Reader { return c.r }
func (c *Conn) Writer() io.Writer { return c.w }
