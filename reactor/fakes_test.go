package reactor

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/poll"
)

// --------------------------------------------------------------------------
// Fake poller
// --------------------------------------------------------------------------

// fakePoller implements poll.IPoller on in-memory queues so reactor
// behavior can be driven deterministically without epoll or sockets.
// Tests inject readiness events by descriptor; the poller resolves the
// registered token the same way epoll would.
type fakePoller struct {
	mu      sync.Mutex
	pending []poll.Event
	tokens  map[int]uint64
	closed  bool
	wakeCh  chan struct{}
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		tokens: make(map[int]uint64),
		wakeCh: make(chan struct{}, 1),
	}
}

func (p *fakePoller) Register(fd int, token uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[fd] = token
	return nil
}

func (p *fakePoller) SetWriteInterest(fd int, token uint64, enabled bool) error {
	return nil
}

func (p *fakePoller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, fd)
	return nil
}

func (p *fakePoller) Poll(timeout time.Duration, events []poll.Event) (int, error) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		select {
		case <-p.wakeCh:
		case <-time.After(timeout):
		}
		p.mu.Lock()
	}
	n := copy(events, p.pending)
	p.pending = append(p.pending[:0:0], p.pending[n:]...)
	p.mu.Unlock()
	return n, nil
}

func (p *fakePoller) Wake() error {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// inject queues an event for fd's registered token and wakes the loop
func (p *fakePoller) inject(fd int, readable, writable, closed bool) bool {
	p.mu.Lock()
	token, ok := p.tokens[fd]
	if ok {
		p.pending = append(p.pending, poll.Event{Token: token, Readable: readable, Writable: writable, Closed: closed})
	}
	p.mu.Unlock()
	if ok {
		p.Wake()
	}
	return ok
}

// waitRegistered blocks until fd shows up in the registration table,
// covering the asynchronous negotiation handoff
func (p *fakePoller) waitRegistered(fd int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		_, ok := p.tokens[fd]
		p.mu.Unlock()
		if ok {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// --------------------------------------------------------------------------
// Fake socket
// --------------------------------------------------------------------------

// fakeSocket implements sock.ISocket with a scripted read side and a
// capturing write side
type fakeSocket struct {
	fd     int
	remote string

	mu       sync.Mutex
	readable []byte
	eof      bool
	written  []byte
	closed   bool

	wrote chan struct{}
}

func newFakeSocket(fd int, remote string) *fakeSocket {
	return &fakeSocket{fd: fd, remote: remote, wrote: make(chan struct{}, 16)}
}

func (s *fakeSocket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readable) == 0 {
		if s.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	n := copy(buf, s.readable)
	s.readable = s.readable[n:]
	return n, nil
}

func (s *fakeSocket) Write(buf []byte) (int, error) {
	return s.Writev([][]byte{buf})
}

func (s *fakeSocket) Writev(bufs [][]byte) (int, error) {
	s.mu.Lock()
	total := 0
	for _, b := range bufs {
		s.written = append(s.written, b...)
		total += len(b)
	}
	s.mu.Unlock()
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return total, nil
}

func (s *fakeSocket) Fd() int            { return s.fd }
func (s *fakeSocket) LocalAddr() string  { return "127.0.0.1:0" }
func (s *fakeSocket) RemoteAddr() string { return s.remote }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// feed appends bytes to the read side, the test injects a readable event
// afterwards
func (s *fakeSocket) feed(b []byte) {
	s.mu.Lock()
	s.readable = append(s.readable, b...)
	s.mu.Unlock()
}

// markEOF makes reads report a peer close once the scripted bytes drain
func (s *fakeSocket) markEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// takeWritten returns and clears everything captured so far
func (s *fakeSocket) takeWritten() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.written
	s.written = nil
	return out
}

// awaitWrite blocks until the socket captured at least one write
func (s *fakeSocket) awaitWrite(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.wrote:
	case <-time.After(timeout):
		t.Fatalf("no bytes written to %s within %v", s.remote, timeout)
	}
}

// --------------------------------------------------------------------------
// Capture handler
// --------------------------------------------------------------------------

// captureHandler collects dispatched inbound calls on a channel
type captureHandler struct {
	calls chan *InboundCall
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{calls: make(chan *InboundCall, 16)}
}

func (h *captureHandler) QueueInboundCall(call *InboundCall) {
	h.calls <- call
}

// next returns the next dispatched call or fails the test after timeout
func (h *captureHandler) next(t *testing.T, timeout time.Duration) *InboundCall {
	t.Helper()
	select {
	case call := <-h.calls:
		return call
	case <-time.After(timeout):
		t.Fatal("no inbound call was dispatched in time")
		return nil
	}
}

// none asserts that no call arrives within the window
func (h *captureHandler) none(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case call := <-h.calls:
		t.Fatalf("unexpected inbound call %d dispatched", call.CallID())
	case <-time.After(window):
	}
}

// --------------------------------------------------------------------------
// Test plumbing
// --------------------------------------------------------------------------

// testConfig shrinks the timer granularity so tests settle quickly
func testConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.CoarseTimerGranularity = 2 * time.Millisecond
	cfg.ConnectionKeepalive = time.Second
	cfg.MaxMessageSize = 1 << 20
	cfg.ReadBufferSize = 256
	return cfg
}

// startTestReactor builds a reactor on a fake poller, starts it and tears
// it down with the test
func startTestReactor(t *testing.T, cfg common.Config, handler IInboundHandler) (*Reactor, *fakePoller) {
	t.Helper()
	fp := newFakePoller()
	r := newReactorWithPoller("reactor-test", cfg, handler, nil, fp)
	r.Init()
	t.Cleanup(r.Shutdown)
	return r, fp
}

// serveConnection pushes an accepted fake socket through negotiation and
// waits for it to reach the poller
func serveConnection(t *testing.T, r *Reactor, fp *fakePoller, fsck *fakeSocket) {
	t.Helper()
	r.QueueInboundSocket(fsck)
	if !fp.waitRegistered(fsck.fd, time.Second) {
		t.Fatalf("connection from %s was never registered with the poller", fsck.remote)
	}
}

// dialTestConnection opens a client connection over a fake socket,
// mirroring what negotiation completion does for a real dial
func dialTestConnection(t *testing.T, r *Reactor, fsck *fakeSocket) *Connection {
	t.Helper()
	var conn *Connection
	err := r.RunOnReactorThread(func(rt *ReactorThread) error {
		rt.tokenSeq++
		conn = newClientConnection(rt, rt.tokenSeq, ConnectionId{Remote: fsck.remote})
		rt.clientConns[conn.id] = conn
		rt.connByToken[conn.token] = conn
		return conn.open(fsck)
	})
	if err != nil {
		t.Fatalf("opening client connection: %v", err)
	}
	return conn
}
