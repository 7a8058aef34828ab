package poll

import "time"

// Event is one readiness notification. Token is the value the descriptor
// was registered with, it identifies the connection to the reactor.
type Event struct {
	Token    uint64
	Readable bool
	Writable bool
	// Closed is set on hangup or error conditions. The descriptor is still
	// readable until drained; the reactor decides when to tear down.
	Closed bool
}

// IPoller is the readiness notification surface a reactor runs on.
//
// Registered descriptors are always watched for readability; write
// interest is toggled separately so an idle connection does not busy-loop
// on a permanently writable socket. Delivery is edge-triggered.
type IPoller interface {
	// Register starts watching fd and attaches token to its events
	Register(fd int, token uint64) error
	// SetWriteInterest enables or disables writability events for fd
	SetWriteInterest(fd int, token uint64, enabled bool) error
	// Deregister stops watching fd, pending events for it are dropped
	Deregister(fd int) error
	// Poll blocks until events arrive, the timeout passes, or Wake is
	// called. It fills events and returns the count. A negative timeout
	// blocks indefinitely.
	Poll(timeout time.Duration, events []Event) (int, error)
	// Wake makes a concurrent Poll return early. Safe from any goroutine,
	// multiple wakes may coalesce into one return.
	Wake() error
	// Close releases the poller. No other method may be called afterwards.
	Close() error
}
