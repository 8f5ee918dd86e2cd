package pool

import (
	"context"

	"github.com/gpaulavicius/pgpool2/internal/wire"
)

// Credentials is what the session worker has already extracted from
// the frontend's authentication exchange, handed to the backend
// authenticator so it can complete the backend-side handshake without
// prompting the client a second time.
type Credentials struct {
	User string
	Password string
}

// AuthResult is what a successful backend authentication yields: the
// backend's process id and cancel key (for BackendKeyData) and its
// initial ParameterStatus set.
type AuthResult struct {
	BackendPID int32
	CancelKey int32
	Params map[string]string
}

// Authenticator performs the backend half of authentication. Concrete
// mechanisms (trust, cleartext, md5) are provided by internal/session;
// this interface is declared here, not there, so both pool.Create and
// session can depend on it without a package cycle.
type Authenticator interface {
	Authenticate(ctx context.Context, codec *wire.BackendCodec, creds Credentials) (AuthResult, error)
}
