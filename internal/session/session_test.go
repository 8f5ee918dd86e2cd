package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/wire"
)

func upBackendsCfg() *config.Config {
	return &config.Config{
		Backends: []config.BackendDescriptor{{NodeID: 0, Status: config.StatusUp, Role: config.RolePrimary}},
		MaxChildren: 10,
		ReservedConnections: 0,
		AuthTimeout: time.Second,
	}
}

func readFrontendSideMessage(t *testing.T, conn net.Conn) pgproto3.BackendMessage {
	t.Helper()
	fe := pgproto3.NewFrontend(conn, conn)
	msg, err := fe.Receive()
	require.NoError(t, err)
	return msg
}

func TestHandleConnectionRejectsWhenTooManyClients(t *testing.T) {
	cfg := upBackendsCfg()
	cfg.MaxChildren = 0
	cfg.ReservedConnections = 0
	reg := registry.NewClusterRegistry(cfg)
	w := NewWorker(0, cfg, reg, registry.NewConnInfoTable(), nil, nil, nil, nil, pglog.GetLogger())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		w.handleConnection(context.Background(), serverSide)
		close(done)
	}()

	msg := readFrontendSideMessage(t, clientSide)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "53300", errResp.Code)
	<-done
}

func TestHandleConnectionRejectsMissingUser(t *testing.T) {
	cfg := upBackendsCfg()
	reg := registry.NewClusterRegistry(cfg)
	w := NewWorker(0, cfg, reg, registry.NewConnInfoTable(), nil, nil, nil, nil, pglog.GetLogger())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	sp := &wire.StartupPacket{ProtoMajor: 3, Options: map[string]string{"database": "app"}}

	done := make(chan struct{})
	go func() {
		w.handleConnection(context.Background(), serverSide)
		close(done)
	}()

	_, err := clientSide.Write(sp.Encode())
	require.NoError(t, err)

	msg := readFrontendSideMessage(t, clientSide)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "28000", errResp.Code)
	<-done
}

func TestHandleConnectionRejectsWhenHBADenies(t *testing.T) {
	cfg := upBackendsCfg()
	reg := registry.NewClusterRegistry(cfg)
	w := NewWorker(0, cfg, reg, registry.NewConnInfoTable(), nil, nil, nil, nil, pglog.GetLogger())
	w.HBA = denyAllHBA{}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	sp := &wire.StartupPacket{ProtoMajor: 3, Options: map[string]string{"user": "alice", "database": "app"}}

	done := make(chan struct{})
	go func() {
		w.handleConnection(context.Background(), serverSide)
		close(done)
	}()

	_, err := clientSide.Write(sp.Encode())
	require.NoError(t, err)

	msg := readFrontendSideMessage(t, clientSide)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "28000", errResp.Code)
	<-done
}

func TestHandleConnectionSendsFatalWhenNoBackendsUp(t *testing.T) {
	cfg := upBackendsCfg()
	cfg.Backends[0].Status = config.StatusDown
	reg := registry.NewClusterRegistry(cfg)
	w := NewWorker(0, cfg, reg, registry.NewConnInfoTable(), nil, nil, nil, nil, pglog.GetLogger())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	sp := &wire.StartupPacket{ProtoMajor: 3, Options: map[string]string{"user": "alice", "database": "app"}}

	done := make(chan struct{})
	go func() {
		w.handleConnection(context.Background(), serverSide)
		close(done)
	}()

	_, err := clientSide.Write(sp.Encode())
	require.NoError(t, err)

	msg := readFrontendSideMessage(t, clientSide)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "57P01", errResp.Code)
	<-done
}

type denyAllHBA struct{}

func (denyAllHBA) Allow(user, database, sourceAddr string) bool { return false }
