package reactor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/wire"
)

// --------------------------------------------------------------------------
// Frame helpers
// --------------------------------------------------------------------------

// buildRequestFrame assembles a complete call frame as a client would
// send it
func buildRequestFrame(callID uint64, service, method string, body []byte, timeoutMillis uint32) []byte {
	header := wire.RequestHeader{CallID: callID, Service: service, Method: method, TimeoutMillis: timeoutMillis}
	payload := wire.AppendPayload(nil, header.Marshal(), body)
	return wire.AppendFrame(nil, payload)
}

// buildResponseFrame assembles a complete response frame as a server
// would send it
func buildResponseFrame(callID uint64, isError bool, body []byte, sidecars ...[]byte) []byte {
	header := wire.ResponseHeader{CallID: callID, IsError: isError}
	offset := uint32(len(body))
	for _, s := range sidecars {
		header.SidecarOffsets = append(header.SidecarOffsets, offset)
		offset += uint32(len(s))
	}
	payload := wire.AppendPayload(nil, header.Marshal(), body)
	for _, s := range sidecars {
		payload = append(payload, s...)
	}
	return wire.AppendFrame(nil, payload)
}

// parseRequestFrame decodes one captured request frame
func parseRequestFrame(t *testing.T, raw []byte) (wire.RequestHeader, []byte) {
	t.Helper()
	payload, consumed, err := wire.NextFrame(raw, 1<<20)
	if err != nil {
		t.Fatalf("parsing captured request frame: %v", err)
	}
	if consumed != len(raw) {
		t.Fatalf("captured request frame has %d trailing bytes", len(raw)-consumed)
	}
	headerBytes, body, err := wire.SplitPayload(payload)
	if err != nil {
		t.Fatalf("splitting captured request payload: %v", err)
	}
	var header wire.RequestHeader
	if err := header.Unmarshal(headerBytes); err != nil {
		t.Fatalf("decoding captured request header: %v", err)
	}
	return header, body
}

// parseResponseFrame decodes one captured response frame
func parseResponseFrame(t *testing.T, raw []byte) (wire.ResponseHeader, []byte, [][]byte) {
	t.Helper()
	payload, consumed, err := wire.NextFrame(raw, 1<<20)
	if err != nil {
		t.Fatalf("parsing captured response frame: %v", err)
	}
	if consumed != len(raw) {
		t.Fatalf("captured response frame has %d trailing bytes", len(raw)-consumed)
	}
	headerBytes, region, err := wire.SplitPayload(payload)
	if err != nil {
		t.Fatalf("splitting captured response payload: %v", err)
	}
	var header wire.ResponseHeader
	if err := header.Unmarshal(headerBytes); err != nil {
		t.Fatalf("decoding captured response header: %v", err)
	}
	body, sidecars, err := wire.SliceSidecars(region, header.SidecarOffsets)
	if err != nil {
		t.Fatalf("slicing captured sidecars: %v", err)
	}
	return header, body, sidecars
}

// waitSocketClosed polls until the fake socket was closed
func waitSocketClosed(t *testing.T, fsck *fakeSocket, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fsck.isClosed() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("socket %s was not closed in time", fsck.remote)
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// TestServerCallRoundTrip tests the full inbound path: frame to dispatch
// to response bytes on the wire
func TestServerCallRoundTrip(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(10, "192.0.2.1:40001")
	serveConnection(t, r, fp, fsck)

	fsck.feed(buildRequestFrame(7, "calrpc.test", "Echo", []byte("ping"), 0))
	fp.inject(fsck.fd, true, false, false)

	call := handler.next(t, time.Second)
	if call.CallID() != 7 {
		t.Errorf("CallID = %d, want 7", call.CallID())
	}
	if call.Service() != "calrpc.test" || call.Method() != "Echo" {
		t.Errorf("Routing = %s.%s, want calrpc.test.Echo", call.Service(), call.Method())
	}
	if !bytes.Equal(call.Body(), []byte("ping")) {
		t.Errorf("Body = %q, want %q", call.Body(), "ping")
	}
	if call.RemoteAddr() != "192.0.2.1:40001" {
		t.Errorf("RemoteAddr = %s, want 192.0.2.1:40001", call.RemoteAddr())
	}
	if _, bounded := call.ClientDeadline(); bounded {
		t.Error("A call without a timeout must report an unbounded deadline")
	}

	// The held call shows up in the dump
	dump, err := r.DumpRunningRpcs()
	if err != nil {
		t.Fatalf("DumpRunningRpcs: %v", err)
	}
	if len(dump.Connections) != 1 || len(dump.Connections[0].InFlightCalls) != 1 {
		t.Errorf("Dump should show one connection with one in-flight call, got %+v", dump)
	}

	call.RespondSuccess([]byte("pong"), []byte("extra"))
	fsck.awaitWrite(t, time.Second)

	header, body, sidecars := parseResponseFrame(t, fsck.takeWritten())
	if header.CallID != 7 || header.IsError {
		t.Errorf("Response header = %+v, want call 7 without error", header)
	}
	if !bytes.Equal(body, []byte("pong")) {
		t.Errorf("Response body = %q, want %q", body, "pong")
	}
	if len(sidecars) != 1 || !bytes.Equal(sidecars[0], []byte("extra")) {
		t.Errorf("Response sidecars = %q, want [extra]", sidecars)
	}

	// Responding retired the call from the registry
	dump, err = r.DumpRunningRpcs()
	if err != nil {
		t.Fatalf("DumpRunningRpcs: %v", err)
	}
	if len(dump.Connections) != 1 || len(dump.Connections[0].InFlightCalls) != 0 {
		t.Errorf("Dump should show no in-flight calls after the response, got %+v", dump)
	}
}

// TestDispatchPreservesArrivalOrder tests that frames sharing one read
// are dispatched in order
func TestDispatchPreservesArrivalOrder(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(11, "192.0.2.1:40002")
	serveConnection(t, r, fp, fsck)

	var buf []byte
	for id := uint64(1); id <= 3; id++ {
		buf = append(buf, buildRequestFrame(id, "calrpc.test", "Seq", nil, 0)...)
	}
	fsck.feed(buf)
	fp.inject(fsck.fd, true, false, false)

	for want := uint64(1); want <= 3; want++ {
		call := handler.next(t, time.Second)
		if call.CallID() != want {
			t.Errorf("Dispatch order: got call %d, want %d", call.CallID(), want)
		}
		call.RespondSuccess(nil)
	}
}

// TestFrameSplitAcrossReads tests that a frame arriving in pieces is
// dispatched exactly once, after the last piece
func TestFrameSplitAcrossReads(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(12, "192.0.2.1:40003")
	serveConnection(t, r, fp, fsck)

	frame := buildRequestFrame(11, "calrpc.test", "Split", bytes.Repeat([]byte{0xAB}, 50), 0)
	cuts := []int{3, 20, len(frame)}

	prev := 0
	for i, cut := range cuts {
		fsck.feed(frame[prev:cut])
		fp.inject(fsck.fd, true, false, false)
		prev = cut

		if i < len(cuts)-1 {
			handler.none(t, 15*time.Millisecond)
		}
	}

	call := handler.next(t, time.Second)
	if call.CallID() != 11 {
		t.Errorf("CallID = %d, want 11", call.CallID())
	}
	if len(call.Body()) != 50 {
		t.Errorf("Body length = %d, want 50", len(call.Body()))
	}
	call.RespondSuccess(nil)
}

// TestOversizedFrameDestroysConnection tests that a length prefix beyond
// the limit tears the connection down without consuming bytes
func TestOversizedFrameDestroysConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64

	handler := newCaptureHandler()
	r, fp := startTestReactor(t, cfg, handler)

	fsck := newFakeSocket(13, "192.0.2.1:40004")
	serveConnection(t, r, fp, fsck)

	// Just the prefix suffices, the declared length alone is fatal
	prefix := make([]byte, wire.FrameHeaderLength)
	binary.BigEndian.PutUint32(prefix, 1000)
	fsck.feed(prefix)
	fp.inject(fsck.fd, true, false, false)

	waitSocketClosed(t, fsck, time.Second)
	handler.none(t, 10*time.Millisecond)
}

// TestCorruptFrameAbortsBufferRemainder tests that a dispatch error stops
// processing, frames after the bad one are never handled
func TestCorruptFrameAbortsBufferRemainder(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(14, "192.0.2.1:40005")
	serveConnection(t, r, fp, fsck)

	// A frame whose payload declares a header longer than the payload
	corrupt := make([]byte, 10)
	binary.BigEndian.PutUint32(corrupt[:4], 200)

	var buf []byte
	buf = append(buf, buildRequestFrame(1, "calrpc.test", "First", nil, 0)...)
	buf = append(buf, wire.AppendFrame(nil, corrupt)...)
	buf = append(buf, buildRequestFrame(3, "calrpc.test", "Third", nil, 0)...)
	fsck.feed(buf)
	fp.inject(fsck.fd, true, false, false)

	call := handler.next(t, time.Second)
	if call.CallID() != 1 {
		t.Errorf("CallID = %d, want 1", call.CallID())
	}

	waitSocketClosed(t, fsck, time.Second)
	handler.none(t, 15*time.Millisecond)
}

// TestDuplicateCallIDDropsFrameOnly tests that a duplicate id drops the
// offending frame while the connection and the first call keep working,
// and that the id becomes usable again once the first call retires
func TestDuplicateCallIDDropsFrameOnly(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(15, "192.0.2.1:40006")
	serveConnection(t, r, fp, fsck)

	fsck.feed(buildRequestFrame(5, "calrpc.test", "Hold", []byte("first"), 0))
	fp.inject(fsck.fd, true, false, false)
	first := handler.next(t, time.Second)

	// Same id again while the first call is still in flight
	fsck.feed(buildRequestFrame(5, "calrpc.test", "Hold", []byte("second"), 0))
	fp.inject(fsck.fd, true, false, false)
	handler.none(t, 20*time.Millisecond)

	if fsck.isClosed() {
		t.Fatal("A duplicate call id must not tear down the connection")
	}

	// The first call still responds normally
	first.RespondSuccess([]byte("done"))
	fsck.awaitWrite(t, time.Second)
	header, body, _ := parseResponseFrame(t, fsck.takeWritten())
	if header.CallID != 5 || !bytes.Equal(body, []byte("done")) {
		t.Errorf("Response = call %d body %q, want call 5 body done", header.CallID, body)
	}

	// With the first call retired the id is admissible again
	fsck.feed(buildRequestFrame(5, "calrpc.test", "Hold", []byte("third"), 0))
	fp.inject(fsck.fd, true, false, false)
	again := handler.next(t, time.Second)
	if !bytes.Equal(again.Body(), []byte("third")) {
		t.Errorf("Reused id dispatched body %q, want third", again.Body())
	}
	again.RespondSuccess(nil)
}

// TestEOFAfterFrameStillDispatches tests that frames received before a
// peer close are dispatched before the connection is destroyed
func TestEOFAfterFrameStillDispatches(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(16, "192.0.2.1:40007")
	serveConnection(t, r, fp, fsck)

	fsck.feed(buildRequestFrame(21, "calrpc.test", "Last", []byte("bye"), 0))
	fsck.markEOF()
	fp.inject(fsck.fd, true, false, false)

	call := handler.next(t, time.Second)
	if call.CallID() != 21 || !bytes.Equal(call.Body(), []byte("bye")) {
		t.Errorf("Got call %d body %q, want 21/bye", call.CallID(), call.Body())
	}
	waitSocketClosed(t, fsck, time.Second)
}

// TestIdleServerConnectionClosed tests the keepalive scan: idle
// connections go away, connections with in-flight calls survive
func TestIdleServerConnectionClosed(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionKeepalive = 25 * time.Millisecond

	handler := newCaptureHandler()
	r, fp := startTestReactor(t, cfg, handler)

	idle := newFakeSocket(17, "192.0.2.1:40008")
	serveConnection(t, r, fp, idle)

	busy := newFakeSocket(18, "192.0.2.1:40009")
	serveConnection(t, r, fp, busy)
	busy.feed(buildRequestFrame(30, "calrpc.test", "Busy", nil, 0))
	fp.inject(busy.fd, true, false, false)
	call := handler.next(t, time.Second)

	waitSocketClosed(t, idle, time.Second)

	// The in-flight call keeps its connection alive past the keepalive
	time.Sleep(60 * time.Millisecond)
	if busy.isClosed() {
		t.Fatal("A connection with an in-flight call must survive the idle scan")
	}

	call.RespondSuccess(nil)
	busy.awaitWrite(t, time.Second)
	waitSocketClosed(t, busy, time.Second)
}

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// TestClientCallRoundTrip tests the outbound path: queue, wire bytes,
// response correlation with sidecars
func TestClientCallRoundTrip(t *testing.T) {
	r, fp := startTestReactor(t, testConfig(), nil)

	fsck := newFakeSocket(20, "192.0.2.9:7100")
	conn := dialTestConnection(t, r, fsck)

	call := NewOutboundCall(conn.id, "calrpc.master", "GetStatus", []byte("req"), 0)
	r.QueueOutboundCall(call)

	fsck.awaitWrite(t, time.Second)
	header, body := parseRequestFrame(t, fsck.takeWritten())
	if header.CallID != call.ID() {
		t.Errorf("Wire call id = %d, want %d", header.CallID, call.ID())
	}
	if header.Service != "calrpc.master" || header.Method != "GetStatus" {
		t.Errorf("Wire routing = %s.%s, want calrpc.master.GetStatus", header.Service, header.Method)
	}
	if header.TimeoutMillis != 0 {
		t.Errorf("Wire timeout = %d, want 0", header.TimeoutMillis)
	}
	if !bytes.Equal(body, []byte("req")) {
		t.Errorf("Wire body = %q, want req", body)
	}

	fsck.feed(buildResponseFrame(call.ID(), false, []byte("resp"), []byte("s1"), []byte("s2")))
	fp.inject(fsck.fd, true, false, false)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Call did not complete")
	}
	respBody, sidecars, err := call.Wait()
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !bytes.Equal(respBody, []byte("resp")) {
		t.Errorf("Response body = %q, want resp", respBody)
	}
	if len(sidecars) != 2 || !bytes.Equal(sidecars[0], []byte("s1")) || !bytes.Equal(sidecars[1], []byte("s2")) {
		t.Errorf("Sidecars = %q, want [s1 s2]", sidecars)
	}
}

// TestResponseForUnknownCallIgnored tests that an uncorrelated response
// is dropped without hurting the connection
func TestResponseForUnknownCallIgnored(t *testing.T) {
	r, fp := startTestReactor(t, testConfig(), nil)

	fsck := newFakeSocket(21, "192.0.2.9:7101")
	conn := dialTestConnection(t, r, fsck)

	fsck.feed(buildResponseFrame(9999, false, []byte("stray")))
	fp.inject(fsck.fd, true, false, false)

	time.Sleep(20 * time.Millisecond)
	if fsck.isClosed() {
		t.Fatal("An unknown call id in a response must not tear down the connection")
	}

	// The connection still carries calls afterwards
	call := NewOutboundCall(conn.id, "calrpc.test", "Live", nil, 0)
	r.QueueOutboundCall(call)
	fsck.awaitWrite(t, time.Second)
	fsck.takeWritten()

	fsck.feed(buildResponseFrame(call.ID(), false, []byte("ok")))
	fp.inject(fsck.fd, true, false, false)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Call did not complete")
	}
	if _, _, err := call.Wait(); err != nil {
		t.Errorf("Call failed: %v", err)
	}
}

// TestRemoteErrorResponse tests that an error flagged response fails the
// call with the remote message
func TestRemoteErrorResponse(t *testing.T) {
	r, fp := startTestReactor(t, testConfig(), nil)

	fsck := newFakeSocket(22, "192.0.2.9:7102")
	conn := dialTestConnection(t, r, fsck)

	call := NewOutboundCall(conn.id, "calrpc.test", "Boom", nil, 0)
	r.QueueOutboundCall(call)
	fsck.awaitWrite(t, time.Second)

	fsck.feed(buildResponseFrame(call.ID(), true, []byte("no such tablet")))
	fp.inject(fsck.fd, true, false, false)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Call did not complete")
	}
	_, _, err := call.Wait()
	if err == nil {
		t.Fatal("Expected a remote error")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("no such tablet")) {
		t.Errorf("Error %q should carry the remote message", err)
	}
}

// TestCallTimeoutFailsCall tests that an unanswered call fails with a
// timeout and leaves no correlation entry behind
func TestCallTimeoutFailsCall(t *testing.T) {
	r, _ := startTestReactor(t, testConfig(), nil)

	fsck := newFakeSocket(23, "192.0.2.9:7103")
	conn := dialTestConnection(t, r, fsck)

	call := NewOutboundCall(conn.id, "calrpc.test", "Never", nil, 15*time.Millisecond)
	r.QueueOutboundCall(call)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Call did not time out")
	}
	_, _, err := call.Wait()
	if !common.IsTimeout(err) {
		t.Errorf("Expected a timeout error, got %v", err)
	}

	err = r.RunOnReactorThread(func(rt *ReactorThread) error {
		if len(conn.awaiting) != 0 {
			t.Errorf("Timed out call left %d correlation entries", len(conn.awaiting))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunOnReactorThread: %v", err)
	}
}

// TestCallWithoutTimeoutOutlivesTimers tests that a call without a
// timeout stays pending and still completes when the answer arrives
func TestCallWithoutTimeoutOutlivesTimers(t *testing.T) {
	r, fp := startTestReactor(t, testConfig(), nil)

	fsck := newFakeSocket(24, "192.0.2.9:7104")
	conn := dialTestConnection(t, r, fsck)

	call := NewOutboundCall(conn.id, "calrpc.test", "Patient", nil, 0)
	r.QueueOutboundCall(call)
	fsck.awaitWrite(t, time.Second)

	time.Sleep(50 * time.Millisecond)
	if call.Completed() {
		t.Fatal("A call without a timeout must not expire")
	}

	fsck.feed(buildResponseFrame(call.ID(), false, nil))
	fp.inject(fsck.fd, true, false, false)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Call did not complete")
	}
	if _, _, err := call.Wait(); err != nil {
		t.Errorf("Call failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// TestRunOnReactorThread tests that fn runs on the loop and its error
// comes back to the caller
func TestRunOnReactorThread(t *testing.T) {
	r, _ := startTestReactor(t, testConfig(), nil)

	sentinel := errors.New("boom")
	var loopName string
	err := r.RunOnReactorThread(func(rt *ReactorThread) error {
		loopName = rt.name
		return sentinel
	})
	if err != sentinel {
		t.Errorf("RunOnReactorThread returned %v, want the sentinel", err)
	}
	if loopName != "reactor-test" {
		t.Errorf("fn observed loop %q, want reactor-test", loopName)
	}
}

// TestShutdownFailsQueuedCalls tests that shutdown resolves queued but
// unassigned calls and rejects later submissions
func TestShutdownFailsQueuedCalls(t *testing.T) {
	fp := newFakePoller()
	r := newReactorWithPoller("reactor-test", testConfig(), nil, nil, fp)

	// The loop never starts, the calls stay queued until shutdown
	calls := make([]*OutboundCall, 3)
	for i := range calls {
		calls[i] = NewOutboundCall(ConnectionId{Remote: "192.0.2.50:7100"}, "calrpc.test", "Ping", nil, time.Minute)
		r.QueueOutboundCall(calls[i])
	}

	r.Shutdown()

	for i, call := range calls {
		select {
		case <-call.Done():
		default:
			t.Fatalf("Call %d was not resolved by shutdown", i)
		}
		if _, _, err := call.Wait(); !common.IsShutdown(err) {
			t.Errorf("Call %d: expected a shutdown error, got %v", i, err)
		}
	}

	// Submissions after shutdown fail immediately
	late := NewOutboundCall(ConnectionId{Remote: "192.0.2.50:7100"}, "calrpc.test", "Ping", nil, 0)
	r.QueueOutboundCall(late)
	select {
	case <-late.Done():
	default:
		t.Fatal("A call queued after shutdown must fail immediately")
	}
	if _, _, err := late.Wait(); !common.IsShutdown(err) {
		t.Errorf("Late call: expected a shutdown error, got %v", err)
	}

	// Tasks scheduled after shutdown are aborted, not dropped
	aborted := make(chan error, 1)
	r.ScheduleReactorTask(NewTaskWithAbort(
		func(*ReactorThread) { aborted <- nil },
		func(status error) { aborted <- status },
	))
	select {
	case status := <-aborted:
		if !common.IsShutdown(status) {
			t.Errorf("Expected an abort with a shutdown status, got %v", status)
		}
	default:
		t.Fatal("Task scheduled after shutdown received no terminal callback")
	}
}

// TestShutdownDestroysConnections tests that shutdown closes open
// connections and drops responses of calls still held by the pipeline
func TestShutdownDestroysConnections(t *testing.T) {
	handler := newCaptureHandler()
	fp := newFakePoller()
	r := newReactorWithPoller("reactor-test", testConfig(), handler, nil, fp)
	r.Init()

	fsck := newFakeSocket(25, "192.0.2.1:40010")
	serveConnection(t, r, fp, fsck)
	fsck.feed(buildRequestFrame(40, "calrpc.test", "Held", nil, 0))
	fp.inject(fsck.fd, true, false, false)
	held := handler.next(t, time.Second)

	r.Shutdown()

	if !fsck.isClosed() {
		t.Error("Shutdown must close open connections")
	}

	// The pipeline finishes after shutdown; its response is dropped, not
	// written to the dead socket
	held.RespondSuccess([]byte("too late"))
	select {
	case <-fsck.wrote:
		t.Error("Response bytes were written after shutdown")
	case <-time.After(30 * time.Millisecond):
	}

	// RunOnReactorThread on a dead reactor reports shutdown
	if err := r.RunOnReactorThread(func(*ReactorThread) error { return nil }); !common.IsShutdown(err) {
		t.Errorf("Expected a shutdown error, got %v", err)
	}
}

// TestQueueInboundSocketAfterShutdown tests that a socket handed to a
// dead reactor is closed instead of leaked
func TestQueueInboundSocketAfterShutdown(t *testing.T) {
	fp := newFakePoller()
	r := newReactorWithPoller("reactor-test", testConfig(), nil, nil, fp)
	r.Init()
	r.Shutdown()

	fsck := newFakeSocket(26, "192.0.2.1:40011")
	r.QueueInboundSocket(fsck)
	if !fsck.isClosed() {
		t.Error("Socket queued after shutdown must be closed")
	}
}

// TestGetMetrics tests the loop snapshot counts
func TestGetMetrics(t *testing.T) {
	handler := newCaptureHandler()
	r, fp := startTestReactor(t, testConfig(), handler)

	fsck := newFakeSocket(27, "192.0.2.1:40012")
	serveConnection(t, r, fp, fsck)

	client := newFakeSocket(28, "192.0.2.9:7105")
	dialTestConnection(t, r, client)

	m, err := r.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if m.Name != "reactor-test" {
		t.Errorf("Name = %q, want reactor-test", m.Name)
	}
	if m.NumServerConnections != 1 {
		t.Errorf("NumServerConnections = %d, want 1", m.NumServerConnections)
	}
	if m.NumClientConnections != 1 {
		t.Errorf("NumClientConnections = %d, want 1", m.NumClientConnections)
	}
	if m.NumWaitingConnections != 0 {
		t.Errorf("NumWaitingConnections = %d, want 0", m.NumWaitingConnections)
	}
}

// TestEraseCallIdentity tests that the registry never erases a different
// call registered under the same id
func TestEraseCallIdentity(t *testing.T) {
	conn := &Connection{remote: "192.0.2.1:40013", direction: DirectionServer}
	ctx := newConnectionContext(conn, 1<<20)

	registered := &InboundCall{conn: conn, header: wire.RequestHeader{CallID: 5}}
	ctx.calls[5] = registered

	// A different call object under the same id must not displace it
	impostor := &InboundCall{conn: conn, header: wire.RequestHeader{CallID: 5}}
	ctx.eraseCall(impostor)
	if ctx.calls[5] != registered {
		t.Fatal("eraseCall removed a call it was not given")
	}

	ctx.eraseCall(registered)
	if _, ok := ctx.calls[5]; ok {
		t.Fatal("eraseCall left the registered call behind")
	}

	// Erasing again (or after abandon) stays quiet
	ctx.eraseCall(registered)
	ctx.abandon()
	ctx.eraseCall(registered)
}
