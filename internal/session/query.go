package session

import (
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gpaulavicius/pgpool2/internal/pool"
)

// Outcome is the per-iteration error taxonomy returned by
// ProcessQuery.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeIdle
	OutcomeEnd
	OutcomeError
	OutcomeFatal
	OutcomeDeadlock
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeIdle:
		return "idle"
	case OutcomeEnd:
		return "end"
	case OutcomeError:
		return "error"
	case OutcomeFatal:
		return "fatal"
	case OutcomeDeadlock:
		return "deadlock"
	default:
		return "unknown"
	}
}

// ProcessQuery is the inner loop body: read one message from the
// frontend, route it to the right backend slot(s), relay the
// response, and report what happened. The "reset pass" is the separate
// resetEntry, called once on the way out of the loop; it speaks only to
// the backends, not the frontend, to leave each connection Idle before
// the entry is returned to the pool.
func (w *Worker) ProcessQuery(ctx *sessionCtx, entry *pool.Entry) (Outcome, error) {
	msg, err := ctx.client.Receive()
	if err != nil {
		return OutcomeEnd, err
	}

	switch m := msg.(type) {
	case *pgproto3.Terminate:
		return OutcomeEnd, nil

	case *pgproto3.Query:
		return w.routeSimpleQuery(ctx, entry, m.String)

	case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Sync, *pgproto3.Flush:
		return w.routeExtended(ctx, entry, msg)

	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		return w.routeExtended(ctx, entry, msg)

	default:
		// Unknown-but-harmless message types (e.g. FunctionCall) are
		// forwarded to the master slot unconditionally.
		return w.routeExtended(ctx, entry, msg)
	}
}

// resetEntry implements the reset pass: send a rollback to any backend
// whose cached TxState isn't Idle, and drain each to ReadyForQuery,
// without involving the frontend at all.
func (w *Worker) resetEntry(entry *pool.Entry) {
	for _, s := range entry.Slots {
		if s == nil {
			continue
		}
		if s.TxState != pool.TxIdle {
			s.Codec.Send(&pgproto3.Query{String: "ROLLBACK"})
			s.Codec.Flush()
			drainToReady(s)
		}
		s.TxState = pool.TxIdle
	}
}

// isReadOnly is a deliberately simple heuristic (no SQL parsing) good
// enough to decide load-balancing eligibility: only a bare SELECT/SHOW,
// not one with a locking clause, is treated as read-only.
func isReadOnly(sql string) bool {
	s := strings.TrimSpace(sql)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "SHOW") {
		return false
	}
	if strings.Contains(upper, "FOR UPDATE") || strings.Contains(upper, "FOR SHARE") {
		return false
	}
	return true
}

// routeSimpleQuery implements the replication-mode ordering guarantee:
// a write statement goes to every live backend in node-id order, each
// drained to ReadyForQuery before the next is sent; a read-only
// statement goes to exactly one load-balanced node.
// Only the node the client actually sees results from streams its
// response back; the others are drained silently once their
// ReadyForQuery arrives, preserving ordering without duplicating rows.
func (w *Worker) routeSimpleQuery(ctx *sessionCtx, entry *pool.Entry, sql string) (Outcome, error) {
	if isReadOnly(sql) {
		node := w.pickLoadBalanceNode(entry)
		slot := entry.Slots[node]
		if slot == nil {
			return OutcomeError, nil
		}
		slot.Codec.Send(&pgproto3.Query{String: sql})
		if err := slot.Codec.Flush(); err != nil {
			return OutcomeFatal, err
		}
		return w.relay(ctx, slot)
	}

	relayTarget := entry.MasterSlot(w.Reg.Snapshot().MasterNodeID)
	if relayTarget == nil {
		for _, s := range entry.Slots {
			if s != nil {
				relayTarget = s
				break
			}
		}
	}

	var outcome Outcome
	seenAny := false
	for _, s := range entry.Slots {
		if s == nil {
			continue
		}
		seenAny = true
		s.Codec.Send(&pgproto3.Query{String: sql})
		if err := s.Codec.Flush(); err != nil {
			return OutcomeFatal, err
		}
		// Strict left-to-right ordering: this node's
		// ReadyForQuery is awaited before the next node is sent to,
		// whether or not its stream is the one relayed to the client.
		if s == relayTarget {
			var err error
			outcome, err = w.relay(ctx, s)
			if err != nil {
				return outcome, err
			}
		} else {
			drainToReady(s)
		}
	}
	if !seenAny {
		return OutcomeError, nil
	}
	return outcome, nil
}

// routeExtended forwards one extended-query-protocol message to the
// master slot only — replication-mode fan-out applies to simple Query
// statements; extended protocol messages operate within a single
// already-chosen statement target, so they follow whichever slot the
// preceding Parse/Bind addressed. This module keeps that target pinned
// to the master slot rather than executing distributed transactions
// across backends.
func (w *Worker) routeExtended(ctx *sessionCtx, entry *pool.Entry, msg pgproto3.FrontendMessage) (Outcome, error) {
	var slot *pool.Slot
	for _, s := range entry.Slots {
		if s != nil {
			slot = s
			break
		}
	}
	if slot == nil {
		return OutcomeError, nil
	}
	slot.Codec.Send(msg)
	if err := slot.Codec.Flush(); err != nil {
		return OutcomeFatal, err
	}
	if _, ok := msg.(*pgproto3.Sync); ok {
		return w.relay(ctx, slot)
	}
	return OutcomeContinue, nil
}

// relay streams messages from slot to the frontend until ReadyForQuery,
// tracking the slot's transaction state from it.
func (w *Worker) relay(ctx *sessionCtx, slot *pool.Slot) (Outcome, error) {
	for {
		msg, err := slot.Codec.Receive()
		if err != nil {
			return OutcomeFatal, err
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			slot.TxState = pool.TxState(rfq.TxStatus)
			ctx.client.Send(rfq)
			if err := ctx.client.Flush(); err != nil {
				return OutcomeFatal, err
			}
			return OutcomeContinue, nil
		}
		ctx.client.Send(msg)
	}
}

// drainToReady discards slot's output up to and including the next
// ReadyForQuery, used by the reset pass which doesn't relay to a
// frontend at all.
func drainToReady(slot *pool.Slot) {
	for {
		msg, err := slot.Codec.Receive()
		if err != nil {
			return
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			slot.TxState = pool.TxState(rfq.TxStatus)
			return
		}
	}
}
