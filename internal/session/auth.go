package session

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gpaulavicius/pgpool2/internal/pool"
	"github.com/gpaulavicius/pgpool2/internal/wire"
)

// PasswordLookup resolves a user's plaintext password from whatever
// configuration backs it (a pool_passwd-equivalent store); this
// package has no opinion on how it's populated — callers inject it as
// a closure over their own store.
type PasswordLookup func(user string) (password string, found bool)

// FrontendAuthenticator performs the client-facing half of
// authentication, returning the Credentials the backend-facing
// authenticator in backendauth.go will use to complete the handshake
// with each real backend.
type FrontendAuthenticator interface {
	Authenticate(ctx context.Context, codec *wire.ClientCodec, user string) (pool.Credentials, error)
}

// TrustAuthenticator accepts unconditionally — the "trust" auth
// method. Lookup is optional; when present its result still seeds
// Credentials.Password so a backend that itself requires cleartext/md5
// auth (independent of how the client authenticated) can still be
// satisfied.
type TrustAuthenticator struct {
	Lookup PasswordLookup
}

func (a TrustAuthenticator) Authenticate(ctx context.Context, codec *wire.ClientCodec, user string) (pool.Credentials, error) {
	codec.Send(&pgproto3.AuthenticationOk{})
	if err := codec.Flush(); err != nil {
		return pool.Credentials{}, err
	}
	creds := pool.Credentials{User: user}
	if a.Lookup != nil {
		if pw, ok := a.Lookup(user); ok {
			creds.Password = pw
		}
	}
	return creds, nil
}

// ClearTextAuthenticator implements the "password" (cleartext) auth
// method.
type ClearTextAuthenticator struct {
	Lookup PasswordLookup
}

func (a ClearTextAuthenticator) Authenticate(ctx context.Context, codec *wire.ClientCodec, user string) (pool.Credentials, error) {
	codec.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := codec.Flush(); err != nil {
		return pool.Credentials{}, err
	}
	msg, err := codec.Receive()
	if err != nil {
		return pool.Credentials{}, err
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return pool.Credentials{}, fmt.Errorf("session: expected PasswordMessage, got %T", msg)
	}
	want, found := a.Lookup(user)
	if !found || pm.Password != want {
		sendAuthFailed(codec, user)
		return pool.Credentials{}, fmt.Errorf("session: cleartext auth failed for %q", user)
	}
	codec.Send(&pgproto3.AuthenticationOk{})
	if err := codec.Flush(); err != nil {
		return pool.Credentials{}, err
	}
	return pool.Credentials{User: user, Password: want}, nil
}

// MD5Authenticator implements the "md5" auth method.
type MD5Authenticator struct {
	Lookup PasswordLookup
}

func (a MD5Authenticator) Authenticate(ctx context.Context, codec *wire.ClientCodec, user string) (pool.Credentials, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return pool.Credentials{}, err
	}
	codec.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
	if err := codec.Flush(); err != nil {
		return pool.Credentials{}, err
	}
	msg, err := codec.Receive()
	if err != nil {
		return pool.Credentials{}, err
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return pool.Credentials{}, fmt.Errorf("session: expected PasswordMessage, got %T", msg)
	}
	want, found := a.Lookup(user)
	expected := md5Password(want, user, salt)
	if !found || pm.Password != expected {
		sendAuthFailed(codec, user)
		return pool.Credentials{}, fmt.Errorf("session: md5 auth failed for %q", user)
	}
	codec.Send(&pgproto3.AuthenticationOk{})
	if err := codec.Flush(); err != nil {
		return pool.Credentials{}, err
	}
	return pool.Credentials{User: user, Password: want}, nil
}

// md5Password computes PostgreSQL's "md5" + md5(md5(password+user)+salt)
// challenge response, shared by the frontend verifier above and the
// backend-facing authenticator in backendauth.go.
func md5Password(password, user string, salt [4]byte) string {
	inner := md5Hex([]byte(password + user))
	outer := md5Hex(append([]byte(inner), salt[:]...))
	return "md5" + outer
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func sendAuthFailed(codec *wire.ClientCodec, user string) {
	codec.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code: "28P01",
		Message: fmt.Sprintf("password authentication failed for user %q", user),
	})
	codec.Flush()
}
