package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/sock"
	"github.com/calderadb/calrpc/wire"
	"github.com/eapache/queue"
)

// --------------------------------------------------------------------------
// Connection identity and states
// --------------------------------------------------------------------------

// ConnectionId identifies an outbound peer. Outbound calls carrying the
// same id share one connection (find or create); Index distinguishes
// deliberately parallel connections to the same remote.
type ConnectionId struct {
	Remote string
	Index  int
}

func (id ConnectionId) String() string {
	return fmt.Sprintf("%s[%d]", id.Remote, id.Index)
}

// ConnDirection tells which side initiated the connection.
type ConnDirection int

const (
	// DirectionClient: we connected, we send calls and correlate responses
	DirectionClient ConnDirection = iota
	// DirectionServer: the peer connected to us, we serve inbound calls
	DirectionServer
)

func (d ConnDirection) String() string {
	if d == DirectionClient {
		return "client"
	}
	return "server"
}

// ConnState is the connection's lifecycle state.
type ConnState int

const (
	// StateNegotiating: handshake in flight, not registered with the poller
	StateNegotiating ConnState = iota
	// StateOpen: negotiated and carrying traffic
	StateOpen
	// StateClosing: torn down, no further I/O
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// pendingWrite is one queued outgoing frame. bufs shrink from the front
// as bytes drain into the socket.
type pendingWrite struct {
	bufs [][]byte
	// call, when set, lets the writer skip frames whose call already
	// completed (timed out while queued). Ignored once partially written,
	// a torn frame would corrupt the stream.
	call    *OutboundCall
	started bool
}

// Connection is one socket peer, owned by exactly one ReactorThread for
// its entire life. Every method is reactor-goroutine-only unless noted.
type Connection struct {
	token     uint64
	id        ConnectionId
	direction ConnDirection
	state     ConnState
	thread    *ReactorThread
	sck       sock.ISocket
	remote    string

	context *ConnectionContext

	// awaiting correlates sent calls with responses (client direction)
	awaiting map[uint64]*OutboundCall
	// pendingCalls holds calls accepted while still negotiating
	pendingCalls []*OutboundCall

	writeQueue    *queue.Queue
	writeInterest bool
	registered    bool

	readBuf []byte

	lastActivity time.Time
}

// newServerConnection wraps an accepted socket, still negotiating
func newServerConnection(rt *ReactorThread, token uint64, sck sock.ISocket) *Connection {
	c := &Connection{
		token:        token,
		direction:    DirectionServer,
		state:        StateNegotiating,
		thread:       rt,
		sck:          sck,
		remote:       sck.RemoteAddr(),
		awaiting:     make(map[uint64]*OutboundCall),
		writeQueue:   queue.New(),
		lastActivity: time.Now(),
	}
	c.context = newConnectionContext(c, rt.cfg.MaxMessageSize)
	return c
}

// newClientConnection starts an outbound connection, the socket arrives
// with negotiation completion
func newClientConnection(rt *ReactorThread, token uint64, id ConnectionId) *Connection {
	c := &Connection{
		token:        token,
		id:           id,
		direction:    DirectionClient,
		state:        StateNegotiating,
		thread:       rt,
		remote:       id.Remote,
		awaiting:     make(map[uint64]*OutboundCall),
		writeQueue:   queue.New(),
		lastActivity: time.Now(),
	}
	c.context = newConnectionContext(c, rt.cfg.MaxMessageSize)
	return c
}

// open transitions NEGOTIATING -> OPEN: adopts the negotiated socket,
// registers with the poller, and flushes calls queued during negotiation.
func (c *Connection) open(sck sock.ISocket) error {
	c.sck = sck
	c.state = StateOpen
	c.lastActivity = time.Now()

	if err := c.thread.poller.Register(sck.Fd(), c.token); err != nil {
		return common.NetworkErrorf("register %s with poller: %v", c.remote, err)
	}
	c.registered = true

	pending := c.pendingCalls
	c.pendingCalls = nil
	for _, call := range pending {
		c.sendCall(call)
	}
	return nil
}

// queueOutboundCall accepts a call in any state: sent immediately when
// open, parked when negotiating, failed when closing.
func (c *Connection) queueOutboundCall(call *OutboundCall) {
	switch c.state {
	case StateNegotiating:
		c.pendingCalls = append(c.pendingCalls, call)
	case StateOpen:
		c.sendCall(call)
	case StateClosing:
		call.fail(common.NetworkErrorf("connection to %s is closed", c.remote))
		c.thread.unregisterTimeout(call)
	}
}

// sendCall registers the call for response correlation and queues its
// frame for writing
func (c *Connection) sendCall(call *OutboundCall) {
	if call.Completed() {
		// Timed out or failed while waiting for the connection
		return
	}
	call.conn = c
	c.awaiting[call.id] = call
	c.queueWrite(c.serializeCall(call), call)
}

// serializeCall builds the writev slices for an outbound call frame
func (c *Connection) serializeCall(call *OutboundCall) [][]byte {
	header := wire.RequestHeader{
		CallID:        call.id,
		Service:       call.service,
		Method:        call.method,
		TimeoutMillis: uint32(call.timeout / time.Millisecond),
	}
	headerBytes := header.Marshal()
	payloadLen := 4 + len(headerBytes) + len(call.body)

	head := make([]byte, wire.FrameHeaderLength+4+len(headerBytes))
	wire.PutFrameHeader(head[:wire.FrameHeaderLength], payloadLen)
	binary.BigEndian.PutUint32(head[wire.FrameHeaderLength:wire.FrameHeaderLength+4], uint32(len(headerBytes)))
	copy(head[wire.FrameHeaderLength+4:], headerBytes)

	return [][]byte{head, call.body}
}

// queueWrite appends a frame to the write queue and flushes as much as
// the socket accepts right away
func (c *Connection) queueWrite(bufs [][]byte, call *OutboundCall) {
	if c.state != StateOpen {
		Logger.Debugf("dropping write on %s connection %s", c.state, c.remote)
		return
	}
	c.writeQueue.Add(&pendingWrite{bufs: bufs, call: call})
	if err := c.flush(); err != nil {
		c.thread.destroyConnection(c, err)
	}
}

// writeReady drains the write queue after the poller reported writability
func (c *Connection) writeReady() {
	if c.state != StateOpen {
		return
	}
	if err := c.flush(); err != nil {
		c.thread.destroyConnection(c, err)
	}
}

// flush writes queued frames until the queue empties or the socket would
// block, toggling write interest to match
func (c *Connection) flush() error {
	for c.writeQueue.Length() > 0 {
		pw := c.writeQueue.Peek().(*pendingWrite)

		if !pw.started && pw.call != nil && pw.call.Completed() {
			c.writeQueue.Remove()
			continue
		}

		n, err := c.sck.Writev(pw.bufs)
		if n > 0 {
			pw.started = true
			c.lastActivity = time.Now()
		}
		pw.bufs = advanceBufs(pw.bufs, n)
		if err != nil {
			if sock.IsWouldBlock(err) {
				c.setWriteInterest(true)
				return nil
			}
			return common.NetworkErrorf("write to %s: %v", c.remote, err)
		}
		if len(pw.bufs) == 0 {
			c.writeQueue.Remove()
		}
	}
	c.setWriteInterest(false)
	return nil
}

// advanceBufs drops n written bytes from the front of bufs. Zero length
// buffers are dropped too, a frame must never get stuck on one.
func advanceBufs(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 {
		if n >= len(bufs[0]) {
			n -= len(bufs[0])
			bufs = bufs[1:]
			continue
		}
		bufs[0] = bufs[0][n:]
		break
	}
	return bufs
}

// setWriteInterest updates the poller registration when the interest
// actually changes
func (c *Connection) setWriteInterest(enabled bool) {
	if !c.registered || c.writeInterest == enabled {
		return
	}
	if err := c.thread.poller.SetWriteInterest(c.sck.Fd(), c.token, enabled); err != nil {
		Logger.Errorf("set write interest on %s: %v", c.remote, err)
		return
	}
	c.writeInterest = enabled
}

// readReady drains the socket (edge-triggered delivery requires reading
// until would-block) and feeds the bytes through the framing layer
func (c *Connection) readReady() {
	if c.state != StateOpen {
		return
	}

	readAny := false
	eof := false
	for {
		if cap(c.readBuf)-len(c.readBuf) < c.thread.cfg.ReadBufferSize {
			c.growReadBuf()
		}
		spare := c.readBuf[len(c.readBuf):cap(c.readBuf)]

		n, err := c.sck.Read(spare)
		if n > 0 {
			c.readBuf = c.readBuf[:len(c.readBuf)+n]
			readAny = true
		}
		if err != nil {
			if sock.IsWouldBlock(err) {
				break
			}
			c.thread.destroyConnection(c, common.NetworkErrorf("read from %s: %v", c.remote, err))
			return
		}
		if n == 0 {
			// Peer closed its end. Frames that arrived before the close
			// are still dispatched below.
			eof = true
			break
		}
	}

	if readAny {
		c.lastActivity = time.Now()

		consumed, err := c.context.ProcessCalls(c.readBuf)
		if err != nil {
			c.thread.destroyConnection(c, err)
			return
		}
		if consumed > 0 {
			remaining := copy(c.readBuf, c.readBuf[consumed:])
			c.readBuf = c.readBuf[:remaining]
		}
	}

	if eof {
		c.thread.destroyConnection(c, common.NetworkErrorf("connection closed by peer %s", c.remote))
	}
}

// growReadBuf doubles the read buffer, starting at the configured size
func (c *Connection) growReadBuf() {
	newCap := cap(c.readBuf) * 2
	if newCap < c.thread.cfg.ReadBufferSize {
		newCap = c.thread.cfg.ReadBufferSize
	}
	grown := make([]byte, len(c.readBuf), newCap)
	copy(grown, c.readBuf)
	c.readBuf = grown
}

// handleResponse correlates a response payload with its awaiting call
// (client direction dispatch target)
func (c *Connection) handleResponse(payload []byte) error {
	headerBytes, rest, err := wire.SplitPayload(payload)
	if err != nil {
		return err
	}
	var header wire.ResponseHeader
	if err := header.Unmarshal(headerBytes); err != nil {
		return err
	}

	call, ok := c.awaiting[header.CallID]
	if !ok {
		Logger.Warningf("received response for unknown call id %d from %s", header.CallID, c.remote)
		return nil
	}
	delete(c.awaiting, header.CallID)

	// The region aliases the read buffer, copy before it is recycled
	region := append([]byte(nil), rest...)
	body, sidecars, err := wire.SliceSidecars(region, header.SidecarOffsets)
	if err != nil {
		call.fail(err)
		c.thread.unregisterTimeout(call)
		return err
	}

	if header.IsError {
		call.fail(fmt.Errorf("remote error from %s: %s", c.remote, body))
	} else {
		call.succeed(body, sidecars)
	}
	c.thread.unregisterTimeout(call)
	return nil
}

// removeAwaiting drops a call from response correlation after it
// completed elsewhere (the timeout path)
func (c *Connection) removeAwaiting(id uint64) {
	delete(c.awaiting, id)
}

// idle reports whether the connection carries no in-flight work
func (c *Connection) idle() bool {
	return c.context.Idle() && len(c.awaiting) == 0 && c.writeQueue.Length() == 0
}

// shutdown moves the connection to CLOSING and fails everything still
// attached to it. Called only via ReactorThread.destroyConnection.
func (c *Connection) shutdown(status error) {
	if c.state == StateClosing {
		return
	}
	c.state = StateClosing

	if c.registered {
		if err := c.thread.poller.Deregister(c.sck.Fd()); err != nil {
			Logger.Errorf("deregister %s: %v", c.remote, err)
		}
		c.registered = false
	}
	if c.sck != nil {
		c.sck.Close()
		c.sck = nil
	}

	for _, call := range c.awaiting {
		call.fail(status)
		c.thread.unregisterTimeout(call)
	}
	c.awaiting = make(map[uint64]*OutboundCall)

	for _, call := range c.pendingCalls {
		call.fail(status)
		c.thread.unregisterTimeout(call)
	}
	c.pendingCalls = nil

	c.writeQueue = queue.New()
	c.context.abandon()
}

// dump captures the connection's state for introspection
func (c *Connection) dump() ConnectionDump {
	d := ConnectionDump{
		Remote:       c.remote,
		Direction:    c.direction.String(),
		State:        c.state.String(),
		LastActivity: c.lastActivity,
	}
	for _, call := range c.context.calls {
		d.InFlightCalls = append(d.InFlightCalls, CallDump{
			CallID:        call.CallID(),
			Service:       call.Service(),
			Method:        call.Method(),
			State:         call.State().String(),
			ElapsedMillis: time.Since(call.ReceivedAt()).Milliseconds(),
		})
	}
	for id := range c.awaiting {
		d.AwaitingResponse = append(d.AwaitingResponse, id)
	}
	return d
}
