package reactor

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/wire"
)

// --------------------------------------------------------------------------
// Inbound calls
// --------------------------------------------------------------------------

// CallState tracks an inbound call through its lifecycle.
type CallState int32

const (
	// CallReceived: frame arrived, header not parsed yet
	CallReceived CallState = iota
	// CallParsed: header parsed, routing identity and deadline fixed
	CallParsed
	// CallQueued: handed to the processing pipeline
	CallQueued
	// CallResponded: response queued for write
	CallResponded
	// CallFailed: terminal failure, error response queued or call dropped
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallReceived:
		return "received"
	case CallParsed:
		return "parsed"
	case CallQueued:
		return "queued"
	case CallResponded:
		return "responded"
	case CallFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// InboundCall is one request received on a server direction connection.
//
// It is created and registered on the reactor goroutine, processed by the
// consuming pipeline on a worker goroutine, and responds by scheduling a
// task back onto the owning reactor. Respond may be called from any
// goroutine; exactly one respond wins.
type InboundCall struct {
	conn     *Connection
	received time.Time
	header   wire.RequestHeader
	body     []byte
	state    atomic.Int32
}

// newInboundCall creates an empty call bound to its connection
func newInboundCall(conn *Connection) *InboundCall {
	return &InboundCall{
		conn:     conn,
		received: time.Now(),
	}
}

// ParseFrom extracts the header and body from a frame payload. The frame
// slice aliases the connection read buffer, so the body is copied out.
// A missing routing identity is a corruption error; the caller tears the
// connection down in that case.
func (c *InboundCall) ParseFrom(frame []byte) error {
	headerBytes, rest, err := wire.SplitPayload(frame)
	if err != nil {
		return err
	}
	if err := c.header.Unmarshal(headerBytes); err != nil {
		return err
	}
	if c.header.Service == "" || c.header.Method == "" {
		return common.CorruptionErrorf("call %d is missing its routing identity", c.header.CallID)
	}

	c.body = append([]byte(nil), rest...)
	c.state.Store(int32(CallParsed))
	return nil
}

// State returns the call's current lifecycle state
func (c *InboundCall) State() CallState { return CallState(c.state.Load()) }

// markQueued records the hand-off to the processing pipeline
func (c *InboundCall) markQueued() { c.state.Store(int32(CallQueued)) }

// CallID returns the id correlating this call with its response
func (c *InboundCall) CallID() uint64 { return c.header.CallID }

// Service returns the routing identity's service name
func (c *InboundCall) Service() string { return c.header.Service }

// Method returns the routing identity's method name
func (c *InboundCall) Method() string { return c.header.Method }

// Body returns the opaque request payload
func (c *InboundCall) Body() []byte { return c.body }

// RemoteAddr returns the peer address the call arrived from
func (c *InboundCall) RemoteAddr() string { return c.conn.remote }

// ReceivedAt returns the time the frame was parsed off the socket
func (c *InboundCall) ReceivedAt() time.Time { return c.received }

// ClientDeadline returns the absolute deadline derived from the client's
// timeout. ok is false when the client gave no timeout, such calls never
// expire.
func (c *InboundCall) ClientDeadline() (deadline time.Time, ok bool) {
	if c.header.TimeoutMillis == 0 {
		return time.Time{}, false
	}
	return c.received.Add(time.Duration(c.header.TimeoutMillis) * time.Millisecond), true
}

// RespondSuccess queues a success response carrying body plus optional
// sidecar buffers. Safe from any goroutine, the first respond wins.
func (c *InboundCall) RespondSuccess(body []byte, sidecars ...[]byte) {
	c.respond(CallResponded, body, sidecars)
}

// RespondFailure queues an error response carrying err's message as the
// body. Safe from any goroutine, the first respond wins.
func (c *InboundCall) RespondFailure(err error) {
	c.respond(CallFailed, []byte(err.Error()), nil)
}

// respond claims the terminal transition and schedules the write onto the
// owning reactor. When the reactor is already closing the response is
// dropped; the client sees a connection error instead.
func (c *InboundCall) respond(terminal CallState, body []byte, sidecars [][]byte) {
	for {
		current := c.state.Load()
		if CallState(current) == CallResponded || CallState(current) == CallFailed {
			Logger.Warningf("dropping duplicate response for call %d from %s", c.CallID(), c.RemoteAddr())
			return
		}
		if c.state.CompareAndSwap(current, int32(terminal)) {
			break
		}
	}

	bufs := c.serializeResponse(terminal == CallFailed, body, sidecars)
	call := c
	call.conn.thread.reactor.scheduleTask(NewTaskWithAbort(
		func(rt *ReactorThread) {
			rt.queueResponse(call, bufs)
		},
		func(status error) {
			Logger.Debugf("response for call %d dropped: %v", call.CallID(), status)
		},
	), true)
}

// serializeResponse builds the writev slices for the response frame:
// frame prefix, length prefixed header, body, then each sidecar verbatim.
// Sidecar offsets are recorded relative to the start of the payload
// region so the receiver can slice them without parsing the body.
func (c *InboundCall) serializeResponse(isError bool, body []byte, sidecars [][]byte) [][]byte {
	header := wire.ResponseHeader{CallID: c.header.CallID, IsError: isError}

	regionLen := len(body)
	if len(sidecars) > 0 {
		header.SidecarOffsets = make([]uint32, len(sidecars))
		for i, s := range sidecars {
			header.SidecarOffsets[i] = uint32(regionLen)
			regionLen += len(s)
		}
	}

	headerBytes := header.Marshal()
	payloadLen := 4 + len(headerBytes) + regionLen

	// Frame prefix, header length and header share one allocation, body
	// and sidecars are written from their original buffers.
	head := make([]byte, wire.FrameHeaderLength+4+len(headerBytes))
	wire.PutFrameHeader(head[:wire.FrameHeaderLength], payloadLen)
	binary.BigEndian.PutUint32(head[wire.FrameHeaderLength:wire.FrameHeaderLength+4], uint32(len(headerBytes)))
	copy(head[wire.FrameHeaderLength+4:], headerBytes)

	bufs := make([][]byte, 0, 2+len(sidecars))
	bufs = append(bufs, head, body)
	bufs = append(bufs, sidecars...)
	return bufs
}

// logTrace emits the call's trace on completion when it ran long: past a
// fraction of the client's own timeout it is warning-worthy, past the
// configured slow call threshold (or always, with forced tracing) it is
// informational. Runs on the reactor goroutine, never affects completion.
func (c *InboundCall) logTrace(cfg *common.Config) {
	elapsed := time.Since(c.received)

	if c.header.TimeoutMillis > 0 {
		timeout := time.Duration(c.header.TimeoutMillis) * time.Millisecond
		if elapsed > timeout*3/4 {
			Logger.Warningf("call %s.%s (id %d) from %s took %v of its %v timeout",
				c.Service(), c.Method(), c.CallID(), c.RemoteAddr(), elapsed, timeout)
			return
		}
	}

	if (cfg.SlowCallThreshold > 0 && elapsed > cfg.SlowCallThreshold) || cfg.ForceTraceAllCalls {
		Logger.Infof("call %s.%s (id %d) from %s completed in %v",
			c.Service(), c.Method(), c.CallID(), c.RemoteAddr(), elapsed)
	}
}
