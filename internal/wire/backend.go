package wire

import (
	"github.com/jackc/pgx/v5/pgproto3"
)

// BackendCodec is the message-level codec for the BackendSlot side:
// pgpool2, relative to the real PostgreSQL backend, plays the role
// pgproto3 calls "Frontend" (it sends the StartupMessage and queries,
// and receives authentication challenges and results).
type BackendCodec struct {
	*pgproto3.Frontend
	conn *Conn
}

func NewBackendCodec(c *Conn) *BackendCodec {
	return &BackendCodec{
		Frontend: pgproto3.NewFrontend(c, c),
		conn: c,
	}
}

// Flush writes pgproto3's buffered outbound messages to the socket,
// then flushes the Conn's own write buffer — pgproto3.Frontend.Flush
// only does the former, and our Conn layers a bufio.Writer underneath
// it, so both have to run for bytes to actually leave the process.
func (bc *BackendCodec) Flush() error {
	if err := bc.Frontend.Flush(); err != nil {
		return err
	}
	return bc.conn.Flush()
}

func (bc *BackendCodec) RawConn() *Conn { return bc.conn }
