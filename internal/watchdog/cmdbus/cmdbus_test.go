package cmdbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
	wdwire "github.com/gpaulavicius/pgpool2/internal/watchdog/wire"
)

func TestNewCommandAssignsMonotonicIDs(t *testing.T) {
	b := New(nil)
	c1 := b.NewCommand(wdwire.Packet{Type: corewire.WdAddNode}, []string{"a"}, time.Second)
	c2 := b.NewCommand(wdwire.Packet{Type: corewire.WdAddNode}, []string{"a"}, time.Second)
	assert.Less(t, c1.ID, c2.ID)
}

func TestRouteCompletesOnAllReplies(t *testing.T) {
	var finished *Command
	b := New(func(cmd *Command) { finished = cmd })

	cmd := b.NewCommand(wdwire.Packet{Type: corewire.WdAddNode}, []string{"peerA", "peerB"}, time.Minute)

	b.Route("peerA", wdwire.Packet{Type: corewire.WdAccept, CommandID: cmd.ID})
	assert.Nil(t, finished, "must not finish until every recipient has replied")

	b.Route("peerB", wdwire.Packet{Type: corewire.WdAccept, CommandID: cmd.ID})
	require.NotNil(t, finished)
	assert.Equal(t, cmd.ID, finished.ID)

	select {
	case <-cmd.Done():
	default:
		t.Fatal("Done() channel should be closed once finished")
	}
}

func TestRouteShortCircuitsOnReject(t *testing.T) {
	var finished *Command
	b := New(func(cmd *Command) { finished = cmd })

	cmd := b.NewCommand(wdwire.Packet{Type: corewire.WdAddNode}, []string{"peerA", "peerB"}, time.Minute)
	b.Route("peerA", wdwire.Packet{Type: corewire.WdReject, CommandID: cmd.ID})

	require.NotNil(t, finished)
	assert.Equal(t, cmd.ID, finished.ID)
}

func TestRouteIgnoresUnknownCommandID(t *testing.T) {
	called := false
	b := New(func(cmd *Command) { called = true })
	b.Route("peerA", wdwire.Packet{Type: corewire.WdAccept, CommandID: 9999})
	assert.False(t, called)
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	var finished *Command
	b := New(func(cmd *Command) { finished = cmd })

	cmd := b.NewCommand(wdwire.Packet{Type: corewire.WdReqInfo}, []string{"peerA"}, -time.Second)
	b.Sweep()

	require.NotNil(t, finished)
	assert.Equal(t, cmd.ID, finished.ID)
}

func TestSweepLeavesFreshCommandsInFlight(t *testing.T) {
	called := false
	b := New(func(cmd *Command) { called = true })
	b.NewCommand(wdwire.Packet{Type: corewire.WdReqInfo}, []string{"peerA"}, time.Hour)

	b.Sweep()
	assert.False(t, called)
}
