package wire

import (
	"github.com/jackc/pgx/v5/pgproto3"
)

// ClientCodec is the message-level codec for the FrontendConn side:
// pgpool2, relative to the real client, plays the role pgproto3 calls
// "Backend" (it receives the StartupMessage and replies with
// authentication and query results). Built on pgx/v5/pgproto3 instead
// of a hand-rolled message switch.
type ClientCodec struct {
	*pgproto3.Backend
	conn *Conn
}

func NewClientCodec(c *Conn) *ClientCodec {
	return &ClientCodec{
		Backend: pgproto3.NewBackend(c, c),
		conn: c,
	}
}

// Flush writes pgproto3's buffered outbound messages to the socket,
// then flushes the Conn's own write buffer — pgproto3.Backend.Flush
// only does the former, and our Conn layers a bufio.Writer underneath
// it, so both have to run for bytes to actually leave the process.
func (cc *ClientCodec) Flush() error {
	if err := cc.Backend.Flush(); err != nil {
		return err
	}
	return cc.conn.Flush()
}

func (cc *ClientCodec) RawConn() *Conn { return cc.conn }
