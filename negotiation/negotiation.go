package negotiation

import (
	"bytes"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/reactor"
	"github.com/calderadb/calrpc/sock"
)

// Logger is the logger used by this package
var Logger = logger.GetLogger("negotiation")

// ProtocolVersion is the handshake version this node speaks
const ProtocolVersion byte = 1

// helloSize is the handshake message length: four magic bytes plus the
// protocol version
const helloSize = 5

// magic identifies the calrpc protocol on the wire
var magic = [4]byte{'c', 'R', 'P', 'C'}

// --------------------------------------------------------------------------
// Negotiator
// --------------------------------------------------------------------------

// Negotiator implements the default calrpc handshake. It satisfies
// reactor.INegotiator; the messenger installs it on every reactor.
type Negotiator struct {
	version byte
}

// New creates a negotiator speaking the current protocol version
func New() *Negotiator {
	return &Negotiator{version: ProtocolVersion}
}

// Negotiate runs the handshake. It blocks within the deadline and must
// not be called from a reactor goroutine; the socket is not yet owned by
// any poller.
func (n *Negotiator) Negotiate(sck sock.ISocket, direction reactor.ConnDirection, deadline time.Time) error {
	hello := make([]byte, helloSize)
	copy(hello, magic[:])
	hello[4] = n.version

	if direction == reactor.DirectionClient {
		if err := writeFull(sck, hello, deadline); err != nil {
			return err
		}
		return n.expectHello(sck, deadline)
	}

	// Server side: validate before answering so a stray client never
	// receives protocol bytes
	if err := n.expectHello(sck, deadline); err != nil {
		return err
	}
	return writeFull(sck, hello, deadline)
}

// expectHello reads and validates the peer's hello
func (n *Negotiator) expectHello(sck sock.ISocket, deadline time.Time) error {
	buf := make([]byte, helloSize)
	if err := readFull(sck, buf, deadline); err != nil {
		return err
	}
	if !bytes.Equal(buf[:4], magic[:]) {
		return common.NetworkErrorf("peer %s does not speak the calrpc protocol", sck.RemoteAddr())
	}
	if buf[4] != n.version {
		return common.NetworkErrorf("peer %s speaks protocol version %d, want %d", sck.RemoteAddr(), buf[4], n.version)
	}
	Logger.Debugf("handshake with %s complete (version %d)", sck.RemoteAddr(), buf[4])
	return nil
}

// --------------------------------------------------------------------------
// Bounded full reads and writes
// --------------------------------------------------------------------------

// readFull reads exactly len(buf) bytes, waiting for readability whenever
// the socket has nothing buffered
func readFull(sck sock.ISocket, buf []byte, deadline time.Time) error {
	read := 0
	for read < len(buf) {
		n, err := sck.Read(buf[read:])
		if n > 0 {
			read += n
			continue
		}
		if err == nil {
			return common.NetworkErrorf("peer %s closed the connection during the handshake", sck.RemoteAddr())
		}
		if !sock.IsWouldBlock(err) {
			return common.NetworkErrorf("handshake read from %s: %v", sck.RemoteAddr(), err)
		}
		if err := sock.Wait(sck.Fd(), sock.WaitRead, deadline); err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all of buf, waiting for writability whenever the
// kernel buffers are full
func writeFull(sck sock.ISocket, buf []byte, deadline time.Time) error {
	written := 0
	for written < len(buf) {
		n, err := sck.Write(buf[written:])
		if n > 0 {
			written += n
			continue
		}
		if err != nil && !sock.IsWouldBlock(err) {
			return common.NetworkErrorf("handshake write to %s: %v", sck.RemoteAddr(), err)
		}
		if err := sock.Wait(sck.Fd(), sock.WaitWrite, deadline); err != nil {
			return err
		}
	}
	return nil
}
