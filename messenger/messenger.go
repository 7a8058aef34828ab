package messenger

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/negotiation"
	"github.com/calderadb/calrpc/reactor"
	"github.com/calderadb/calrpc/sock"
	"github.com/cespare/xxhash/v2"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("messenger")

// acceptPollInterval bounds how long the acceptor waits for readiness in
// one slice, so the stop signal is observed promptly.
const acceptPollInterval = 100 * time.Millisecond

// listenBacklog is the accept queue length for the RPC listener
const listenBacklog = 128

// --------------------------------------------------------------------------
// Messenger
// --------------------------------------------------------------------------

// Messenger bundles the reactors behind one object: it accepts inbound
// connections for them, routes outbound calls to them, and shuts them
// down together. All methods are safe for concurrent use.
type Messenger struct {
	cfg      common.Config
	reactors []*reactor.Reactor

	// nextReactor spreads accepted sockets and delayed tasks round robin
	nextReactor atomic.Uint64

	mu           sync.Mutex
	closed       bool
	listener     sock.IListener
	stopAccept   chan struct{}
	acceptorDone chan struct{}
	admin        *http.Server
	adminLn      net.Listener
	adminDone    chan struct{}
}

// New creates a messenger with cfg.NumReactors running event loops, each
// using the default connection handshake. Inbound calls are handed to
// handler; a nil handler answers every call with a failure.
func New(cfg common.Config, handler reactor.IInboundHandler) (*Messenger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Messenger{cfg: cfg}
	negotiator := negotiation.New()
	for i := 0; i < cfg.NumReactors; i++ {
		name := fmt.Sprintf("%s-reactor-%d", cfg.Name, i)
		r, err := reactor.NewReactor(name, cfg, handler, negotiator)
		if err != nil {
			for _, created := range m.reactors {
				created.Shutdown()
			}
			return nil, err
		}
		m.reactors = append(m.reactors, r)
	}
	for _, r := range m.reactors {
		r.Init()
	}

	if cfg.AdminEndpoint != "" {
		if err := m.startAdmin(cfg.AdminEndpoint); err != nil {
			m.Shutdown()
			return nil, err
		}
	}

	Logger.Infof("%s: messenger started with %d reactors", cfg.Name, cfg.NumReactors)
	return m, nil
}

// --------------------------------------------------------------------------
// Inbound side
// --------------------------------------------------------------------------

// Listen binds addr and starts handing accepted connections to the
// reactors. A messenger listens on at most one address.
func (m *Messenger) Listen(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return common.ShutdownErrorf("messenger %s is shut down", m.cfg.Name)
	}
	if m.listener != nil {
		return fmt.Errorf("messenger %s is already listening on %s", m.cfg.Name, m.listener.Addr())
	}

	listener, err := sock.Listen(addr, listenBacklog, sock.Options{
		NoDelay:         m.cfg.TCPNoDelay,
		KeepAlivePeriod: m.cfg.ConnectionKeepalive,
	})
	if err != nil {
		return err
	}

	m.listener = listener
	m.stopAccept = make(chan struct{})
	m.acceptorDone = make(chan struct{})
	go m.acceptLoop(listener, m.stopAccept, m.acceptorDone)

	Logger.Infof("%s: listening on %s", m.cfg.Name, listener.Addr())
	return nil
}

// Addr returns the bound listen address, or empty when not listening
func (m *Messenger) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr()
}

// acceptLoop hands accepted sockets to the reactors round robin. It owns
// the listener descriptor until it exits; the stop channel ends the loop
// between accepts.
func (m *Messenger) acceptLoop(listener sock.IListener, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		sck, err := listener.Accept()
		if err != nil {
			if sock.IsWouldBlock(err) {
				waitErr := sock.Wait(listener.Fd(), sock.WaitRead, time.Now().Add(acceptPollInterval))
				if waitErr != nil && !common.IsTimeout(waitErr) {
					Logger.Errorf("%s: wait on listener failed: %v", m.cfg.Name, waitErr)
					return
				}
				continue
			}
			Logger.Errorf("%s: accept failed: %v", m.cfg.Name, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		idx := m.nextReactor.Add(1) % uint64(len(m.reactors))
		m.reactors[idx].QueueInboundSocket(sck)
	}
}

// --------------------------------------------------------------------------
// Outbound side
// --------------------------------------------------------------------------

// reactorFor maps a connection identity to its owning reactor. The
// mapping is stable, so every call to one peer lands on one loop.
func (m *Messenger) reactorFor(connID reactor.ConnectionId) *reactor.Reactor {
	h := xxhash.Sum64String(connID.String())
	return m.reactors[h%uint64(len(m.reactors))]
}

// CallAsync queues an outbound call and returns it immediately. The call
// completes through its Done channel or Wait; a timeout of 0 means the
// call never expires on this side.
func (m *Messenger) CallAsync(connID reactor.ConnectionId, service, method string, body []byte, timeout time.Duration) *reactor.OutboundCall {
	call := reactor.NewOutboundCall(connID, service, method, body, timeout)
	m.reactorFor(connID).QueueOutboundCall(call)
	return call
}

// Call queues an outbound call and blocks until its terminal state,
// returning the response body, the sidecar buffers, and the terminal
// error.
func (m *Messenger) Call(connID reactor.ConnectionId, service, method string, body []byte, timeout time.Duration) ([]byte, [][]byte, error) {
	return m.CallAsync(connID, service, method, body, timeout).Wait()
}

// ScheduleDelayedTask runs fn on one of the reactors after delay. fn
// receives nil when fired and the abort status otherwise; the returned
// handle cancels via AbortTask.
func (m *Messenger) ScheduleDelayedTask(delay time.Duration, fn func(error)) *reactor.DelayedTask {
	idx := m.nextReactor.Add(1) % uint64(len(m.reactors))
	return m.reactors[idx].ScheduleDelayedTask(delay, fn)
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// GetMetrics snapshots every reactor's connection and timer counts.
// Reactors that are already gone are skipped.
func (m *Messenger) GetMetrics() []reactor.ReactorMetrics {
	out := make([]reactor.ReactorMetrics, 0, len(m.reactors))
	for _, r := range m.reactors {
		rm, err := r.GetMetrics()
		if err != nil {
			continue
		}
		out = append(out, rm)
	}
	return out
}

// DumpRunningRpcs snapshots every reactor's connections with their in
// flight calls. Reactors that are already gone are skipped.
func (m *Messenger) DumpRunningRpcs() []reactor.ReactorDump {
	out := make([]reactor.ReactorDump, 0, len(m.reactors))
	for _, r := range m.reactors {
		d, err := r.DumpRunningRpcs()
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// --------------------------------------------------------------------------
// Admin endpoint
// --------------------------------------------------------------------------

// startAdmin binds the HTTP admin listener and serves metrics, the rpcz
// dump, and pprof on it
func (m *Messenger) startAdmin(endpoint string) error {
	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("binding admin endpoint %s: %w", endpoint, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("/rpcz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.DumpRunningRpcs()); err != nil {
			Logger.Errorf("%s: writing rpcz dump: %v", m.cfg.Name, err)
		}
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	m.admin = &http.Server{Handler: mux}
	m.adminLn = ln
	m.adminDone = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			Logger.Errorf("%s: admin endpoint failed: %v", m.cfg.Name, err)
		}
	}(m.admin, m.adminDone)

	Logger.Infof("%s: admin endpoint on %s", m.cfg.Name, ln.Addr())
	return nil
}

// AdminAddr returns the bound admin address, or empty when disabled
func (m *Messenger) AdminAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adminLn == nil {
		return ""
	}
	return m.adminLn.Addr().String()
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Shutdown stops accepting, shuts every reactor down, and stops the
// admin endpoint. It blocks until all in flight work has resolved and is
// safe to call more than once.
func (m *Messenger) Shutdown() {
	m.mu.Lock()
	m.closed = true
	listener, stop, acceptorDone := m.listener, m.stopAccept, m.acceptorDone
	m.listener, m.stopAccept, m.acceptorDone = nil, nil, nil
	admin, adminDone := m.admin, m.adminDone
	m.admin, m.adminLn, m.adminDone = nil, nil, nil
	m.mu.Unlock()

	// The acceptor exits before the descriptor is released, so no poll
	// can observe a recycled fd.
	if stop != nil {
		close(stop)
		<-acceptorDone
		listener.Close()
	}

	for _, r := range m.reactors {
		r.Shutdown()
	}

	if admin != nil {
		if err := admin.Close(); err != nil {
			Logger.Warningf("%s: closing admin endpoint: %v", m.cfg.Name, err)
		}
		<-adminDone
	}

	Logger.Infof("%s: messenger stopped", m.cfg.Name)
}
