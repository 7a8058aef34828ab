package sock

import "time"

// --------------------------------------------------------------------------
// Socket
// --------------------------------------------------------------------------

// ISocket is a non-blocking stream socket. All methods return immediately;
// when the operation cannot make progress the error satisfies IsWouldBlock
// and the caller retries after the poller reports readiness.
//
// A socket is not safe for concurrent use. It is owned either by the
// goroutine negotiating the connection or, afterwards, by exactly one
// reactor.
type ISocket interface {
	// Read reads available bytes into buf. A return of 0 with a nil error
	// on a non empty buf means the peer closed its end of the connection.
	Read(buf []byte) (n int, err error)
	// Write writes as many bytes of buf as the kernel accepts
	Write(buf []byte) (n int, err error)
	// Writev writes multiple buffers with a single syscall and returns the
	// total number of bytes written
	Writev(bufs [][]byte) (n int, err error)
	// Fd returns the file descriptor for poller registration
	Fd() int
	// LocalAddr returns the local address in host:port form
	LocalAddr() string
	// RemoteAddr returns the peer address in host:port form
	RemoteAddr() string
	// Close releases the descriptor. The socket must already be
	// deregistered from any poller.
	Close() error
}

// IListener is a non-blocking TCP listener. Accept returns a would-block
// error when no connection is pending; callers wait for readability on Fd
// before retrying.
type IListener interface {
	// Accept returns the next pending connection as a non-blocking socket
	Accept() (ISocket, error)
	// Fd returns the listening descriptor for readiness waits
	Fd() int
	// Addr returns the bound address in host:port form
	Addr() string
	// Close stops accepting and releases the descriptor
	Close() error
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options control the per connection socket setup applied on connect and
// on accept.
type Options struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY)
	NoDelay bool
	// KeepAlivePeriod enables TCP keepalive probes at the given interval
	// when positive
	KeepAlivePeriod time.Duration
}

// --------------------------------------------------------------------------
// Deadline waits
// --------------------------------------------------------------------------

// Direction selects which readiness a Wait call blocks on.
type Direction int

const (
	// WaitRead blocks until the descriptor is readable
	WaitRead Direction = iota
	// WaitWrite blocks until the descriptor is writable
	WaitWrite
)

// pollTimeout converts an absolute deadline into a poll(2) timeout in
// milliseconds. A zero deadline means wait forever; the second return is
// false once the deadline has already passed.
func pollTimeout(deadline time.Time) (int, bool) {
	if deadline.IsZero() {
		return -1, true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	ms := int(remaining / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms, true
}
