package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gpaulavicius/pgpool2/internal/pool"
	"github.com/gpaulavicius/pgpool2/internal/wire"
)

// BackendAuthenticator implements pool.Authenticator: the half of
// authentication that runs against a real backend once pgpool2 has
// already established (or is reusing) the frontend's credentials. It
// answers whatever challenge the backend issues — trust, cleartext or
// md5 — using the plaintext password carried in pool.Credentials.
type BackendAuthenticator struct{}

func (BackendAuthenticator) Authenticate(ctx context.Context, codec *wire.BackendCodec, creds pool.Credentials) (pool.AuthResult, error) {
	for {
		msg, err := codec.Receive()
		if err != nil {
			return pool.AuthResult{}, err
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			return drainUntilReady(codec)
		case *pgproto3.AuthenticationCleartextPassword:
			codec.Send(&pgproto3.PasswordMessage{Password: creds.Password})
			if err := codec.Flush(); err != nil {
				return pool.AuthResult{}, err
			}
		case *pgproto3.AuthenticationMD5Password:
			codec.Send(&pgproto3.PasswordMessage{Password: md5Password(creds.Password, creds.User, m.Salt)})
			if err := codec.Flush(); err != nil {
				return pool.AuthResult{}, err
			}
		case *pgproto3.ErrorResponse:
			return pool.AuthResult{}, fmt.Errorf("session: backend auth error: %s", m.Message)
		default:
			return pool.AuthResult{}, fmt.Errorf("session: unexpected message %T during backend auth", m)
		}
	}
}

// drainUntilReady collects ParameterStatus/BackendKeyData up to
// ReadyForQuery, the remainder of the backend startup sequence once
// AuthenticationOk has been received.
func drainUntilReady(codec *wire.BackendCodec) (pool.AuthResult, error) {
	res := pool.AuthResult{Params: make(map[string]string)}
	for {
		msg, err := codec.Receive()
		if err != nil {
			return pool.AuthResult{}, err
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus:
			res.Params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			res.BackendPID = int32(m.ProcessID)
			res.CancelKey = int32(m.SecretKey)
		case *pgproto3.ReadyForQuery:
			return res, nil
		case *pgproto3.ErrorResponse:
			return pool.AuthResult{}, fmt.Errorf("session: backend error after auth: %s", m.Message)
		case *pgproto3.NoticeResponse:
			// ignore; informational only
		}
	}
}
