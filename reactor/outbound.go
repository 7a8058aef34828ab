package reactor

import (
	"errors"
	"sync/atomic"
	"time"
)

// nextCallID hands out process-wide unique call ids, starting from 1
var nextCallID atomic.Uint64

// errCallCompleted aborts a timeout task whose call finished first
var errCallCompleted = errors.New("call already completed")

// --------------------------------------------------------------------------
// Outbound calls
// --------------------------------------------------------------------------

// OutboundCall is a client issued request. It is created by the caller,
// queued onto a reactor, assigned to a connection on the reactor
// goroutine, and completed exactly once: by the correlated response, by a
// timeout, or by a connection or reactor failure.
type OutboundCall struct {
	id      uint64
	connID  ConnectionId
	service string
	method  string
	body    []byte
	timeout time.Duration

	finished atomic.Bool
	done     chan struct{}

	// result fields are written once by the finisher before done is
	// closed and read only after done
	respBody     []byte
	respSidecars [][]byte
	err          error

	// conn is set at assignment, only the owning reactor goroutine
	// touches it
	conn *Connection

	// timeoutTask enforces the call timeout, set before the call is
	// queued and aborted on completion
	timeoutTask *DelayedTask
}

// NewOutboundCall creates a call addressed to connID. A timeout of 0
// means the call never expires on the client side.
func NewOutboundCall(connID ConnectionId, service, method string, body []byte, timeout time.Duration) *OutboundCall {
	return &OutboundCall{
		id:      nextCallID.Add(1),
		connID:  connID,
		service: service,
		method:  method,
		body:    body,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// ID returns the call id used for response correlation
func (c *OutboundCall) ID() uint64 { return c.id }

// ConnectionID returns the peer identity the call is addressed to
func (c *OutboundCall) ConnectionID() ConnectionId { return c.connID }

// Done returns a channel closed when the call reaches a terminal state
func (c *OutboundCall) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes and returns the response body, the
// sidecar buffers, and the terminal error.
func (c *OutboundCall) Wait() ([]byte, [][]byte, error) {
	<-c.done
	return c.respBody, c.respSidecars, c.err
}

// Completed reports whether the call already reached a terminal state
func (c *OutboundCall) Completed() bool { return c.finished.Load() }

// succeed completes the call with a response. Loses silently against a
// concurrent failure.
func (c *OutboundCall) succeed(body []byte, sidecars [][]byte) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.respBody = body
	c.respSidecars = sidecars
	close(c.done)
	c.abortTimeout()
}

// fail completes the call with an error and reports whether this caller
// won the terminal transition.
func (c *OutboundCall) fail(err error) bool {
	if !c.finished.CompareAndSwap(false, true) {
		return false
	}
	c.err = err
	close(c.done)
	c.abortTimeout()
	return true
}

// abortTimeout cancels the pending timeout task, if any. Completion is
// the aborting reason, so the task's callback becomes a no-op.
func (c *OutboundCall) abortTimeout() {
	if c.timeoutTask != nil {
		c.timeoutTask.AbortTask(errCallCompleted)
	}
}
