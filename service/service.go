package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/reactor"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("service")

// --------------------------------------------------------------------------
// Interfaces
// --------------------------------------------------------------------------

// ICall is the part of an inbound call the pool needs: routing identity,
// payload, deadline, and the respond side. It is satisfied by the
// reactor's inbound call type.
type ICall interface {
	// CallID returns the id correlating the call with its response
	CallID() uint64
	// Service returns the routing identity's service name
	Service() string
	// Method returns the routing identity's method name
	Method() string
	// Body returns the opaque request payload
	Body() []byte
	// RemoteAddr returns the peer address the call arrived from
	RemoteAddr() string
	// ClientDeadline returns the absolute deadline derived from the
	// client's timeout; ok is false when the client gave none
	ClientDeadline() (deadline time.Time, ok bool)
	// RespondSuccess queues a success response, safe from any goroutine
	RespondSuccess(body []byte, sidecars ...[]byte)
	// RespondFailure queues an error response, safe from any goroutine
	RespondFailure(err error)
}

// Handler is one method implementation invoked by pool workers. The
// returned body becomes the success response; a non-nil error is sent to
// the client as a failure instead. Handlers run on worker goroutines and
// may block.
type Handler func(call ICall) ([]byte, error)

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// Pool consumes inbound calls with a fixed set of worker goroutines
// behind a bounded queue. It satisfies the reactor's inbound handler
// interface, so reactors hand calls over without knowing the pool.
type Pool struct {
	name     string
	handlers *xsync.MapOf[string, Handler]
	queue    chan ICall
	wg       sync.WaitGroup

	// mu orders enqueues against closing the queue channel
	mu     sync.RWMutex
	closed bool

	registry  gometrics.Registry
	latency   gometrics.Histogram
	processed gometrics.Meter
	expired   gometrics.Meter
	rejected  gometrics.Meter
}

// NewPool creates a pool with cfg.ServiceWorkers workers behind a queue
// of cfg.ServiceQueueLength calls and starts the workers.
func NewPool(cfg common.Config) *Pool {
	registry := gometrics.NewRegistry()
	p := &Pool{
		name:      cfg.Name,
		handlers:  xsync.NewMapOf[string, Handler](),
		queue:     make(chan ICall, cfg.ServiceQueueLength),
		registry:  registry,
		latency:   gometrics.NewRegisteredHistogram("handle-latency-us", registry, gometrics.NewExpDecaySample(1028, 0.015)),
		processed: gometrics.NewRegisteredMeter("processed", registry),
		expired:   gometrics.NewRegisteredMeter("expired", registry),
		rejected:  gometrics.NewRegisteredMeter("rejected", registry),
	}
	gometrics.NewRegisteredFunctionalGauge("queue-depth", registry, func() int64 {
		return int64(len(p.queue))
	})

	for i := 0; i < cfg.ServiceWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	Logger.Infof("service pool %s started: %d workers, queue length %d",
		p.name, cfg.ServiceWorkers, cfg.ServiceQueueLength)
	return p
}

// Register adds the handler for service.method. Registering the same
// method twice is a wiring mistake and is rejected.
func (p *Pool) Register(service, method string, handler Handler) error {
	if service == "" || method == "" {
		return fmt.Errorf("service and method names must be non-empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s must be non-nil", methodKey(service, method))
	}

	key := methodKey(service, method)
	if _, loaded := p.handlers.LoadOrStore(key, handler); loaded {
		return fmt.Errorf("handler for %s is already registered", key)
	}
	Logger.Debugf("registered handler for %s", key)
	return nil
}

// Methods returns the registered method keys in sorted order
func (p *Pool) Methods() []string {
	keys := make([]string, 0, p.handlers.Size())
	p.handlers.Range(func(key string, _ Handler) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// QueueInboundCall hands a call from a reactor goroutine to the pool.
// It never blocks: a closed pool or a full queue answers the call with
// a failure instead.
func (p *Pool) QueueInboundCall(call *reactor.InboundCall) {
	p.enqueue(call)
}

func (p *Pool) enqueue(call ICall) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		call.RespondFailure(common.ShutdownErrorf("service pool %s is shut down", p.name))
		return
	}

	select {
	case p.queue <- call:
	default:
		p.rejected.Mark(1)
		call.RespondFailure(common.AbortedErrorf(
			"service pool %s is overloaded, %d calls pending", p.name, cap(p.queue)))
	}
}

// Close stops admitting calls, lets the workers drain everything already
// queued, and returns once the last worker has exited.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.processed.Stop()
	p.expired.Stop()
	p.rejected.Stop()
	Logger.Infof("service pool %s stopped", p.name)
}

// --------------------------------------------------------------------------
// Workers
// --------------------------------------------------------------------------

func (p *Pool) worker() {
	defer p.wg.Done()
	for call := range p.queue {
		p.process(call)
	}
}

// process answers one call: expired deadlines and unknown methods fail
// without handler work, everything else runs the registered handler.
func (p *Pool) process(call ICall) {
	if deadline, ok := call.ClientDeadline(); ok && !time.Now().Before(deadline) {
		p.expired.Mark(1)
		call.RespondFailure(common.TimeoutErrorf(
			"call %s.%s (id %d) expired before a worker picked it up",
			call.Service(), call.Method(), call.CallID()))
		return
	}

	key := methodKey(call.Service(), call.Method())
	handler, ok := p.handlers.Load(key)
	if !ok {
		call.RespondFailure(fmt.Errorf("no handler registered for %s", key))
		return
	}

	start := time.Now()
	body, err := handler(call)
	p.latency.Update(time.Since(start).Microseconds())
	p.processed.Mark(1)

	if err != nil {
		call.RespondFailure(err)
		return
	}
	call.RespondSuccess(body)
}

func methodKey(service, method string) string {
	return service + "." + method
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// PoolMetrics is a point in time snapshot of the pool's counters
type PoolMetrics struct {
	Processed      int64   `json:"processed"`
	Expired        int64   `json:"expired"`
	Rejected       int64   `json:"rejected"`
	QueueDepth     int     `json:"queue_depth"`
	LatencyMeanUs  float64 `json:"latency_mean_us"`
	LatencyP99Us   float64 `json:"latency_p99_us"`
	ProcessedRate1 float64 `json:"processed_rate_1m"`
}

// Metrics snapshots the pool's processing statistics
func (p *Pool) Metrics() PoolMetrics {
	snap := p.latency.Snapshot()
	return PoolMetrics{
		Processed:      p.processed.Count(),
		Expired:        p.expired.Count(),
		Rejected:       p.rejected.Count(),
		QueueDepth:     len(p.queue),
		LatencyMeanUs:  snap.Mean(),
		LatencyP99Us:   snap.Percentile(0.99),
		ProcessedRate1: p.processed.Rate1(),
	}
}
