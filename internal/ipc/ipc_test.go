package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWriteReadRoundTrip(t *testing.T) {
	req := Request{Cmd: CmdGetNodesList, Payload: []byte(`{"foo":"bar"}`)}
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req.Cmd, got.Cmd)
	assert.Equal(t, req.Payload, got.Payload)
	assert.Empty(t, got.AuthKey)
}

func TestRequestWithAuthKeyRoundTrip(t *testing.T) {
	req := Request{Cmd: CmdFailoverCommand, AuthKey: "secret", Payload: []byte("x")}
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.AuthKey)
}

func TestReadRequestRejectsInternalOnlyWithoutAuthKey(t *testing.T) {
	req := Request{Cmd: CmdNodeStatusChange, Payload: []byte("x")}
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	_, err := ReadRequest(&buf)
	assert.Error(t, err)
}

func TestResponseWriteReadRoundTrip(t *testing.T) {
	resp := Response{Code: ResultOk, Payload: []byte("hello")}
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp.Code, got.Code)
	assert.Equal(t, resp.Payload, got.Payload)
}

func TestResponseEmptyPayload(t *testing.T) {
	resp := Response{Code: ResultTimeout}
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, got.Code)
	assert.Empty(t, got.Payload)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "get_nodes_list", CmdGetNodesList.String())
	assert.Equal(t, "unknown", Command(0xFF).String())
}
