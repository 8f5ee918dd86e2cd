// Package cmdbus implements the watchdog command bus: monotonic
// commandIDs, per-recipient NodeResult tracking, and completion
// detection, plus the IPC command funnel for the named IPC types that
// require cluster involvement.
package cmdbus

import (
	"sync"
	"sync/atomic"
	"time"

	corewire "github.com/gpaulavicius/pgpool2/internal/wire"
	wdwire "github.com/gpaulavicius/pgpool2/internal/watchdog/wire"
)

// NodeResult is per-recipient state.
type NodeResult int

const (
	ResultInit NodeResult = iota
	ResultSent
	ResultReplied
	ResultSendError
	ResultDoNotSend
)

// Command tracks one outbound cluster command across all recipients.
type Command struct {
	ID uint32
	Packet wdwire.Packet
	Deadline time.Time

	mu sync.Mutex
	results map[string]NodeResult
	replies map[string]wdwire.Packet
	done chan struct{}
	doneOnce sync.Once
}

func (c *Command) SetResult(peer string, r NodeResult) {
	c.mu.Lock()
	c.results[peer] = r
	c.mu.Unlock()
}

func (c *Command) RecordReply(peer string, reply wdwire.Packet) {
	c.mu.Lock()
	c.results[peer] = ResultReplied
	c.replies[peer] = reply
	c.mu.Unlock()
}

// Complete reports whether every non-DoNotSend peer has Replied, or
// the deadline has passed, or any peer answered with REJECT/ERROR (the
// caller passes rejected=true for that last case, since that's judged
// from the packet type rather than NodeResult alone).
func (c *Command) Complete(now time.Time, rejected bool) bool {
	if rejected {
		return true
	}
	if now.After(c.Deadline) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.results {
		if r != ResultReplied && r != ResultDoNotSend {
			return false
		}
	}
	return true
}

func (c *Command) MarkDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Command) Done() <-chan struct{} { return c.done }

// Bus tracks every in-flight Command by ID and funnels completion into
// a caller-supplied callback (the state machine's CommandFinished
// event).
type Bus struct {
	nextID atomic.Uint32
	mu sync.Mutex
	inflight map[uint32]*Command

	onFinished func(cmd *Command)
}

func New(onFinished func(cmd *Command)) *Bus {
	return &Bus{inflight: make(map[uint32]*Command), onFinished: onFinished}
}

// NewCommand allocates a fresh monotonic commandID and registers the
// command as in-flight against recipients.
func (b *Bus) NewCommand(pkt wdwire.Packet, recipients []string, timeout time.Duration) *Command {
	id := b.nextID.Add(1)
	pkt.CommandID = id
	cmd := &Command{
		ID: id,
		Packet: pkt,
		Deadline: time.Now().Add(timeout),
		results: make(map[string]NodeResult, len(recipients)),
		replies: make(map[string]wdwire.Packet),
		done: make(chan struct{}),
	}
	for _, r := range recipients {
		cmd.results[r] = ResultInit
	}
	b.mu.Lock()
	b.inflight[id] = cmd
	b.mu.Unlock()
	return cmd
}

// Route delivers a reply addressed by commandID to its Command,
// regardless of arrival order: peers may reorder deliveries, so
// replies are routed by command ID, not arrival order.
func (b *Bus) Route(peer string, pkt wdwire.Packet) {
	b.mu.Lock()
	cmd := b.inflight[pkt.CommandID]
	b.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.RecordReply(peer, pkt)
	if cmd.Complete(time.Now(), isRejectOrError(pkt)) {
		b.finish(cmd)
	}
}

// isRejectOrError reports the frame types that short-circuit a
// command to completion the instant any one recipient sends them:
// WdReject and WdError.
func isRejectOrError(pkt wdwire.Packet) bool {
	return pkt.Type == corewire.WdReject || pkt.Type == corewire.WdError
}

// Sweep retires any command that is complete or past its deadline,
// firing onFinished for each. No timer in this module calls it.
func (b *Bus) Sweep() {
	now := time.Now()
	b.mu.Lock()
	var expired []*Command
	for id, cmd := range b.inflight {
		if cmd.Complete(now, false) {
			expired = append(expired, cmd)
			delete(b.inflight, id)
		}
	}
	b.mu.Unlock()
	for _, cmd := range expired {
		cmd.MarkDone()
		if b.onFinished != nil {
			b.onFinished(cmd)
		}
	}
}

func (b *Bus) finish(cmd *Command) {
	b.mu.Lock()
	delete(b.inflight, cmd.ID)
	b.mu.Unlock()
	cmd.MarkDone()
	if b.onFinished != nil {
		b.onFinished(cmd)
	}
}
