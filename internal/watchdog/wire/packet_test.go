package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Packet{
		Type: corewire.WdIAmCoordinator,
		CommandID: 42,
		NodeID: "node-a",
		AuthHash: "deadbeef",
		Escalated: true,
		QuorumStatus: 1,
		StandbyNodeCount: 2,
		CurrentStateTime: now,
		Priority: 5,
	}

	frame := p.Encode()
	assert.Equal(t, corewire.WdIAmCoordinator, frame.Type)
	assert.EqualValues(t, 42, frame.CommandID)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, p.NodeID, got.NodeID)
	assert.Equal(t, p.AuthHash, got.AuthHash)
	assert.Equal(t, p.Escalated, got.Escalated)
	assert.Equal(t, p.QuorumStatus, got.QuorumStatus)
	assert.Equal(t, p.StandbyNodeCount, got.StandbyNodeCount)
	assert.True(t, p.CurrentStateTime.Equal(got.CurrentStateTime))
	assert.Equal(t, p.Priority, got.Priority)
}

func TestPacketHasBeaconFields(t *testing.T) {
	full := Packet{CurrentStateTime: time.Now()}
	assert.True(t, full.HasBeaconFields())

	partial := Packet{Escalated: true}
	assert.False(t, partial.HasBeaconFields())
}

func TestWdFrameEncodeReadRoundTrip(t *testing.T) {
	f := corewire.WdFrame{Type: 'A', CommandID: 7, Data: []byte("hello")}
	raw := corewire.EncodeWdFrame(f)

	got, err := corewire.ReadWdFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.CommandID, got.CommandID)
	assert.Equal(t, f.Data, got.Data)
}

func TestWdFrameEmptyData(t *testing.T) {
	f := corewire.WdFrame{Type: 'G', CommandID: 1}
	raw := corewire.EncodeWdFrame(f)

	got, err := corewire.ReadWdFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestReadWdFrameRejectsOversizedLength(t *testing.T) {
	var raw []byte
	raw = append(raw, 'A')
	raw = append(raw, 0, 0, 0, 1) // cmdID
	raw = append(raw, 0xff, 0xff, 0xff, 0xff) // absurd length
	_, err := corewire.ReadWdFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}
