package reactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/poll"
	"github.com/calderadb/calrpc/sock"
)

// --------------------------------------------------------------------------
// Collaborator interfaces
// --------------------------------------------------------------------------

// IInboundHandler consumes parsed inbound calls. Implementations receive
// the call on the reactor goroutine and must hand it off without blocking
// (the service pipeline queues it onto worker goroutines).
type IInboundHandler interface {
	QueueInboundCall(call *InboundCall)
}

// INegotiator performs the connection handshake. It runs off the reactor
// goroutine on a socket not yet registered with any poller, bounded by
// deadline, and may block within that bound.
type INegotiator interface {
	Negotiate(sck sock.ISocket, direction ConnDirection, deadline time.Time) error
}

// --------------------------------------------------------------------------
// ReactorThread
// --------------------------------------------------------------------------

// ReactorThread is the single goroutine event loop at the heart of a
// Reactor. It owns the poller, every connection assigned to it, the timer
// heap, and the outbound call queue. All fields except the mutex-guarded
// queue are touched only from the loop goroutine.
type ReactorThread struct {
	name       string
	cfg        common.Config
	reactor    *Reactor
	poller     poll.IPoller
	handler    IInboundHandler
	negotiator INegotiator

	// Loop-goroutine-only state
	serverConns  map[uint64]*Connection       // accepted connections by token
	clientConns  map[ConnectionId]*Connection // outbound connections by identity
	connByToken  map[uint64]*Connection       // poller token to open connection
	waitingConns map[*Connection]struct{}     // still negotiating
	timers       *timerHeap
	scheduled    map[uint64]*DelayedTask // registered delayed tasks by timer id
	tokenSeq     uint64
	timerSeq     uint64
	lastScan     time.Time
	stopping     bool

	// Cross-goroutine outbound call queue
	mu       sync.Mutex
	outbound []*OutboundCall
	drained  bool

	stopped chan struct{}
	metrics *threadMetrics
}

// --------------------------------------------------------------------------
// Event loop
// --------------------------------------------------------------------------

// runThread is the loop body, started by Reactor.Init and exited when
// shutdown has resolved every connection and negotiation.
func (rt *ReactorThread) runThread() {
	Logger.Infof("%s: event loop started", rt.name)
	events := make([]poll.Event, 128)

	for {
		if rt.stopping && len(rt.waitingConns) == 0 {
			break
		}

		n, err := rt.poller.Poll(rt.pollTimeout(), events)
		if err != nil {
			Logger.Errorf("%s: poll failed: %v", rt.name, err)
		}
		for i := 0; i < n; i++ {
			rt.handleEvent(&events[i])
		}

		rt.reactor.drainTaskQueue(nil)
		rt.processOutboundQueue()
		rt.runTimers()
	}

	// Flip to terminated under the scheduling lock, then resolve
	// everything that was admitted before the flip. Later submissions
	// abort inline on their caller.
	status := common.ShutdownErrorf("reactor %s is shut down", rt.name)
	remaining := rt.reactor.terminate()
	for _, task := range remaining {
		task.Abort(status)
	}
	rt.finalDrainOutbound(status)

	Logger.Infof("%s: event loop stopped", rt.name)
	close(rt.stopped)
}

// pollTimeout bounds the poll by the coarse timer granularity and the
// next pending timer
func (rt *ReactorThread) pollTimeout() time.Duration {
	timeout := rt.cfg.CoarseTimerGranularity
	if next, ok := rt.timers.nextFireTime(); ok {
		if until := time.Until(next); until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// handleEvent routes one readiness notification to its connection
func (rt *ReactorThread) handleEvent(ev *poll.Event) {
	conn, ok := rt.connByToken[ev.Token]
	if !ok {
		// Destroyed while the event was in flight
		return
	}
	if ev.Closed {
		rt.destroyConnection(conn, common.NetworkErrorf("connection to %s reset by peer", conn.remote))
		return
	}
	if ev.Readable {
		conn.readReady()
	}
	if ev.Writable {
		conn.writeReady()
	}
}

// runTimers fires due delayed tasks and, at the coarse granularity, scans
// for idle connections
func (rt *ReactorThread) runTimers() {
	now := time.Now()

	for _, entry := range rt.timers.popDue(now) {
		delete(rt.scheduled, entry.id)
		entry.task.fire()
	}

	if now.Sub(rt.lastScan) >= rt.cfg.CoarseTimerGranularity {
		rt.lastScan = now
		rt.scanIdleConnections(now)
	}
}

// registerDelayedTask adds a timer registration, called by
// DelayedTask.Run on the loop goroutine
func (rt *ReactorThread) registerDelayedTask(task *DelayedTask, fireAt time.Time) uint64 {
	rt.timerSeq++
	id := rt.timerSeq
	rt.timers.add(id, fireAt, task)
	rt.scheduled[id] = task
	return id
}

// unregisterTimeout drops a completed call's timeout registration so the
// heap does not keep the call alive until its deadline would have passed.
// Loop-goroutine-only; a no-op when the timer never registered or already
// fired.
func (rt *ReactorThread) unregisterTimeout(call *OutboundCall) {
	task := call.timeoutTask
	if task == nil || task.timerID == 0 {
		return
	}
	if _, ok := rt.timers.removeByID(task.timerID); ok {
		delete(rt.scheduled, task.timerID)
	}
}

// --------------------------------------------------------------------------
// Outbound calls
// --------------------------------------------------------------------------

// queueOutboundCall appends a call for the next drain cycle. It reports
// false once the final drain ran, the caller fails the call itself then.
// Safe from any goroutine.
func (rt *ReactorThread) queueOutboundCall(call *OutboundCall) bool {
	rt.mu.Lock()
	if rt.drained {
		rt.mu.Unlock()
		return false
	}
	rt.outbound = append(rt.outbound, call)
	rt.mu.Unlock()
	rt.reactor.wake()
	return true
}

// processOutboundQueue drains the queue on the loop goroutine, assigning
// each call in enqueue order
func (rt *ReactorThread) processOutboundQueue() {
	rt.mu.Lock()
	calls := rt.outbound
	rt.outbound = nil
	rt.mu.Unlock()

	for _, call := range calls {
		rt.assignOutboundCall(call)
	}
}

// finalDrainOutbound fails everything still queued and rejects future
// submissions
func (rt *ReactorThread) finalDrainOutbound(status error) {
	rt.mu.Lock()
	rt.drained = true
	calls := rt.outbound
	rt.outbound = nil
	rt.mu.Unlock()

	for _, call := range calls {
		call.fail(status)
	}
}

// assignOutboundCall resolves a call to its connection, or to a terminal
// failure when the reactor is shutting down
func (rt *ReactorThread) assignOutboundCall(call *OutboundCall) {
	if call.Completed() {
		// Timed out while waiting in the queue
		return
	}
	if rt.stopping {
		call.fail(common.ShutdownErrorf("reactor %s is shutting down", rt.name))
		rt.unregisterTimeout(call)
		return
	}

	conn, err := rt.findOrStartConnection(call.connID)
	if err != nil {
		call.fail(err)
		rt.unregisterTimeout(call)
		return
	}
	conn.queueOutboundCall(call)
}

// findOrStartConnection returns the cached connection for id or creates
// one and begins its negotiation. Concurrent calls for one id observe a
// single connection object.
func (rt *ReactorThread) findOrStartConnection(id ConnectionId) (*Connection, error) {
	if conn, ok := rt.clientConns[id]; ok {
		return conn, nil
	}

	rt.tokenSeq++
	conn := newClientConnection(rt, rt.tokenSeq, id)
	rt.clientConns[id] = conn
	rt.waitingConns[conn] = struct{}{}
	rt.metrics.connectionsCreated.Inc()
	Logger.Debugf("%s: connecting to %s", rt.name, id)

	rt.startNegotiation(conn, nil)
	return conn, nil
}

// --------------------------------------------------------------------------
// Connection lifecycle
// --------------------------------------------------------------------------

// registerInboundSocket adopts an accepted socket as a negotiating server
// connection. Called via a scheduled task from the acceptor.
func (rt *ReactorThread) registerInboundSocket(sck sock.ISocket) {
	if rt.stopping {
		sck.Close()
		return
	}
	rt.tokenSeq++
	conn := newServerConnection(rt, rt.tokenSeq, sck)
	rt.waitingConns[conn] = struct{}{}
	rt.metrics.connectionsAccepted.Inc()
	Logger.Debugf("%s: accepted connection from %s", rt.name, conn.remote)

	rt.startNegotiation(conn, sck)
}

// startNegotiation hands the handshake to its own goroutine. For client
// connections (sck nil) the goroutine also performs the connect. The
// completion task is scheduled even while closing; the loop keeps running
// until every negotiation has reported back.
func (rt *ReactorThread) startNegotiation(conn *Connection, sck sock.ISocket) {
	deadline := time.Now().Add(rt.cfg.NegotiationTimeout)

	go func() {
		negotiated := sck
		var err error

		if negotiated == nil {
			connectDeadline := time.Now().Add(rt.cfg.ConnectTimeout)
			if connectDeadline.After(deadline) {
				connectDeadline = deadline
			}
			negotiated, err = sock.Connect(conn.id.Remote, connectDeadline, sock.Options{NoDelay: rt.cfg.TCPNoDelay})
		}
		if err == nil && rt.negotiator != nil {
			err = rt.negotiator.Negotiate(negotiated, conn.direction, deadline)
		}

		rt.reactor.scheduleTask(NewTaskWithAbort(
			func(rt *ReactorThread) {
				rt.completeNegotiation(conn, negotiated, err)
			},
			func(status error) {
				// Unreachable while the loop honors waiting negotiations;
				// release the socket if it ever fires.
				Logger.Errorf("%s: negotiation completion for %s aborted: %v", rt.name, conn.remote, status)
				if negotiated != nil {
					negotiated.Close()
				}
			},
		), true)
	}()
}

// completeNegotiation performs the single NEGOTIATING -> {OPEN, FAILED}
// transition on the loop goroutine
func (rt *ReactorThread) completeNegotiation(conn *Connection, sck sock.ISocket, negErr error) {
	delete(rt.waitingConns, conn)

	if negErr != nil {
		conn.sck = sck
		rt.destroyConnection(conn, fmt.Errorf("establishing connection to %s: %w", conn.remote, negErr))
		return
	}
	if rt.stopping {
		conn.sck = sck
		rt.destroyConnection(conn, common.ShutdownErrorf("reactor %s is shutting down", rt.name))
		return
	}

	rt.connByToken[conn.token] = conn
	if err := conn.open(sck); err != nil {
		rt.destroyConnection(conn, err)
		return
	}
	if conn.direction == DirectionServer {
		rt.serverConns[conn.token] = conn
	}
	Logger.Debugf("%s: %s connection to %s is open", rt.name, conn.direction, conn.remote)
}

// destroyConnection removes a connection from the thread and fails
// everything attached to it. Idempotent per connection.
func (rt *ReactorThread) destroyConnection(conn *Connection, status error) {
	if conn.state == StateClosing {
		return
	}
	Logger.Infof("%s: destroying %s connection to %s: %v", rt.name, conn.direction, conn.remote, status)

	delete(rt.connByToken, conn.token)
	delete(rt.serverConns, conn.token)
	if conn.direction == DirectionClient {
		if current, ok := rt.clientConns[conn.id]; ok && current == conn {
			delete(rt.clientConns, conn.id)
		}
	}

	conn.shutdown(status)
	rt.metrics.connectionsDestroyed.Inc()
}

// scanIdleConnections tears down accepted connections idle past the
// keepalive with no in-flight work. Client connections stay cached for
// reuse; their peer's scan closes the pair.
func (rt *ReactorThread) scanIdleConnections(now time.Time) {
	if rt.cfg.ConnectionKeepalive <= 0 {
		return
	}

	var idle []*Connection
	for _, conn := range rt.serverConns {
		if conn.idle() && now.Sub(conn.lastActivity) > rt.cfg.ConnectionKeepalive {
			idle = append(idle, conn)
		}
	}
	for _, conn := range idle {
		rt.destroyConnection(conn, common.NetworkErrorf(
			"connection to %s idle for more than %v", conn.remote, rt.cfg.ConnectionKeepalive))
	}
}

// --------------------------------------------------------------------------
// Call plumbing
// --------------------------------------------------------------------------

// dispatchInbound hands a registered call to the processing pipeline
func (rt *ReactorThread) dispatchInbound(call *InboundCall) {
	rt.metrics.inboundCalls.Inc()
	if rt.handler == nil {
		call.RespondFailure(fmt.Errorf("no service pipeline registered on %s", rt.name))
		return
	}
	rt.handler.QueueInboundCall(call)
}

// queueResponse writes a completed call's response and retires it from
// the registry. Runs via a scheduled task from the respond path.
func (rt *ReactorThread) queueResponse(call *InboundCall, bufs [][]byte) {
	conn := call.conn
	call.logTrace(&rt.cfg)

	if conn.state != StateOpen {
		Logger.Debugf("%s: dropping response for call %d, connection to %s is %s",
			rt.name, call.CallID(), conn.remote, conn.state)
		return
	}

	conn.context.eraseCall(call)
	conn.queueWrite(bufs, nil)
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// shutdownInternal runs on the loop goroutine as the first step of
// Reactor.Shutdown: abort pending timers, fail queued calls, destroy open
// connections. Negotiating connections resolve on their own; the loop
// waits for them before exiting.
func (rt *ReactorThread) shutdownInternal(status error) {
	if rt.stopping {
		return
	}
	rt.stopping = true
	Logger.Infof("%s: shutting down (%d open, %d negotiating)", rt.name, len(rt.connByToken), len(rt.waitingConns))

	for id, task := range rt.scheduled {
		rt.timers.removeByID(id)
		task.AbortTask(status)
	}
	rt.scheduled = make(map[uint64]*DelayedTask)

	rt.mu.Lock()
	calls := rt.outbound
	rt.outbound = nil
	rt.mu.Unlock()
	for _, call := range calls {
		call.fail(status)
	}

	open := make([]*Connection, 0, len(rt.connByToken))
	for _, conn := range rt.connByToken {
		open = append(open, conn)
	}
	for _, conn := range open {
		rt.destroyConnection(conn, status)
	}
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// collectMetrics snapshots the thread counters, loop-goroutine-only
func (rt *ReactorThread) collectMetrics() ReactorMetrics {
	return ReactorMetrics{
		Name:                  rt.name,
		NumServerConnections:  len(rt.serverConns),
		NumClientConnections:  len(rt.clientConns),
		NumWaitingConnections: len(rt.waitingConns),
		NumScheduledTasks:     len(rt.scheduled),
	}
}

// dumpRunningRpcs snapshots every connection, loop-goroutine-only
func (rt *ReactorThread) dumpRunningRpcs() ReactorDump {
	dump := ReactorDump{Name: rt.name}
	for _, conn := range rt.clientConns {
		dump.Connections = append(dump.Connections, conn.dump())
	}
	for _, conn := range rt.serverConns {
		dump.Connections = append(dump.Connections, conn.dump())
	}
	return dump
}
