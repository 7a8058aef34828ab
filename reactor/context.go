package reactor

import (
	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/wire"
)

// --------------------------------------------------------------------------
// Connection context (framing + call registry)
// --------------------------------------------------------------------------

// ConnectionContext turns a connection's byte stream into framed calls
// and tracks the in-flight inbound calls by id. One context exists per
// connection and is reactor-goroutine-only like its connection; respond
// paths re-enter it only through scheduled tasks.
type ConnectionContext struct {
	conn           *Connection
	maxMessageSize int
	// calls maps in-flight call ids to their inbound call, nil once the
	// connection is destroyed
	calls map[uint64]*InboundCall
}

func newConnectionContext(conn *Connection, maxMessageSize int) *ConnectionContext {
	return &ConnectionContext{
		conn:           conn,
		maxMessageSize: maxMessageSize,
		calls:          make(map[uint64]*InboundCall),
	}
}

// ProcessCalls scans buf for complete frames and dispatches each one in
// arrival order. It returns how many bytes were consumed; an incomplete
// trailing frame stays unconsumed for the next read. Any returned error
// is connection-fatal: frame boundaries cannot be trusted after a parse
// failure, so the remainder of the buffer is never handled.
func (ctx *ConnectionContext) ProcessCalls(buf []byte) (int, error) {
	consumed := 0
	for {
		payload, n, err := wire.NextFrame(buf[consumed:], ctx.maxMessageSize)
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			return consumed, nil
		}
		if err := ctx.HandleCall(payload); err != nil {
			return consumed, err
		}
		consumed += n
	}
}

// HandleCall dispatches one frame payload by connection direction: client
// connections correlate responses, server connections admit new inbound
// calls.
func (ctx *ConnectionContext) HandleCall(payload []byte) error {
	if ctx.conn.direction == DirectionClient {
		return ctx.conn.handleResponse(payload)
	}

	call := newInboundCall(ctx.conn)
	if err := call.ParseFrom(payload); err != nil {
		return err
	}

	if _, inFlight := ctx.calls[call.CallID()]; inFlight {
		// Call-local violation: drop the frame, keep the connection and
		// the pre-existing call intact. The sender learns via its own
		// timeout.
		err := common.NetworkErrorf("duplicate call id %d from %s", call.CallID(), ctx.conn.remote)
		Logger.Warningf("dropping frame: %v", err)
		return nil
	}

	ctx.calls[call.CallID()] = call
	call.markQueued()
	ctx.conn.thread.dispatchInbound(call)
	return nil
}

// Idle reports whether no inbound call is in flight, consulted by the
// idle connection scan.
func (ctx *ConnectionContext) Idle() bool {
	return len(ctx.calls) == 0
}

// eraseCall removes a completed call from the registry. It runs exactly
// once per registered call; the identity check guards against erasing a
// different call under a reused id.
func (ctx *ConnectionContext) eraseCall(call *InboundCall) {
	if ctx.calls == nil {
		return
	}
	existing, ok := ctx.calls[call.CallID()]
	if !ok {
		Logger.Errorf("erase of unregistered call id %d on %s", call.CallID(), ctx.conn.remote)
		return
	}
	if existing != call {
		Logger.Errorf("erase identity mismatch for call id %d on %s", call.CallID(), ctx.conn.remote)
		return
	}
	delete(ctx.calls, call.CallID())
}

// abandon clears the registry when the connection dies. In-flight calls
// keep running in the pipeline, their responses are dropped at queueing
// time.
func (ctx *ConnectionContext) abandon() {
	ctx.calls = nil
}
