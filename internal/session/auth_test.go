package session

import (
	"context"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpaulavicius/pgpool2/internal/wire"
)

func codecPair(t *testing.T) (*wire.ClientCodec, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })
	return wire.NewClientCodec(wire.NewConn(serverSide)), clientSide
}

func readBackendMessage(t *testing.T, conn net.Conn) pgproto3.BackendMessage {
	t.Helper()
	fe := pgproto3.NewFrontend(conn, conn)
	msg, err := fe.Receive()
	require.NoError(t, err)
	return msg
}

func writePasswordMessage(t *testing.T, conn net.Conn, password string) {
	t.Helper()
	fe := pgproto3.NewFrontend(conn, conn)
	fe.Send(&pgproto3.PasswordMessage{Password: password})
	require.NoError(t, fe.Flush())
}

func TestTrustAuthenticatorSendsAuthOkAndSeedsLookupPassword(t *testing.T) {
	codec, client := codecPair(t)
	a := TrustAuthenticator{Lookup: func(user string) (string, bool) { return "seeded", true }}

	done := make(chan struct{})
	var creds = struct {
		user, password string
	}{}
	go func() {
		c, err := a.Authenticate(context.Background(), codec, "alice")
		require.NoError(t, err)
		creds.user, creds.password = c.User, c.Password
		close(done)
	}()

	msg := readBackendMessage(t, client)
	_, ok := msg.(*pgproto3.AuthenticationOk)
	assert.True(t, ok)
	<-done
	assert.Equal(t, "alice", creds.user)
	assert.Equal(t, "seeded", creds.password)
}

func TestClearTextAuthenticatorAcceptsMatchingPassword(t *testing.T) {
	codec, client := codecPair(t)
	a := ClearTextAuthenticator{Lookup: func(user string) (string, bool) { return "hunter2", true }}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(context.Background(), codec, "alice")
		errCh <- err
	}()

	msg := readBackendMessage(t, client)
	_, ok := msg.(*pgproto3.AuthenticationCleartextPassword)
	require.True(t, ok)

	writePasswordMessage(t, client, "hunter2")

	msg = readBackendMessage(t, client)
	_, ok = msg.(*pgproto3.AuthenticationOk)
	assert.True(t, ok)
	require.NoError(t, <-errCh)
}

func TestClearTextAuthenticatorRejectsWrongPassword(t *testing.T) {
	codec, client := codecPair(t)
	a := ClearTextAuthenticator{Lookup: func(user string) (string, bool) { return "hunter2", true }}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(context.Background(), codec, "alice")
		errCh <- err
	}()

	readBackendMessage(t, client) // AuthenticationCleartextPassword
	writePasswordMessage(t, client, "wrong")

	msg := readBackendMessage(t, client)
	_, ok := msg.(*pgproto3.ErrorResponse)
	assert.True(t, ok)
	assert.Error(t, <-errCh)
}

func TestMD5AuthenticatorAcceptsCorrectHash(t *testing.T) {
	codec, client := codecPair(t)
	a := MD5Authenticator{Lookup: func(user string) (string, bool) { return "hunter2", true }}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(context.Background(), codec, "alice")
		errCh <- err
	}()

	msg := readBackendMessage(t, client)
	challenge, ok := msg.(*pgproto3.AuthenticationMD5Password)
	require.True(t, ok)

	writePasswordMessage(t, client, md5Password("hunter2", "alice", challenge.Salt))

	msg = readBackendMessage(t, client)
	_, ok = msg.(*pgproto3.AuthenticationOk)
	assert.True(t, ok)
	require.NoError(t, <-errCh)
}

func TestMD5AuthenticatorRejectsWrongHash(t *testing.T) {
	codec, client := codecPair(t)
	a := MD5Authenticator{Lookup: func(user string) (string, bool) { return "hunter2", true }}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(context.Background(), codec, "alice")
		errCh <- err
	}()

	readBackendMessage(t, client) // AuthenticationMD5Password
	writePasswordMessage(t, client, "md5deadbeef")

	msg := readBackendMessage(t, client)
	_, ok := msg.(*pgproto3.ErrorResponse)
	assert.True(t, ok)
	assert.Error(t, <-errCh)
}

func TestMD5PasswordIsDeterministicForSameInputs(t *testing.T) {
	salt := [4]byte{1, 2, 3, 4}
	a := md5Password("secret", "bob", salt)
	b := md5Password("secret", "bob", salt)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, md5Password("other", "bob", salt))
}
