package reactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/poll"
	"github.com/calderadb/calrpc/sock"
)

// Logger is the logger used by this package
var Logger = logger.GetLogger("reactor")

// --------------------------------------------------------------------------
// Reactor
// --------------------------------------------------------------------------

// Reactor is the cross-goroutine facade over one event loop. It admits
// tasks and outbound calls, guards the closing transition, and blocks
// Shutdown until the loop has resolved all of its work.
type Reactor struct {
	thread *ReactorThread

	mu           sync.Mutex
	started      bool
	closing      bool
	terminated   bool
	pendingTasks []ITask
}

// NewReactor creates a reactor with its own poller. The event loop does
// not run until Init is called.
func NewReactor(name string, cfg common.Config, handler IInboundHandler, negotiator INegotiator) (*Reactor, error) {
	poller, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("creating poller for reactor %s: %w", name, err)
	}
	return newReactorWithPoller(name, cfg, handler, negotiator, poller), nil
}

// newReactorWithPoller wires a reactor onto an externally supplied
// poller, used by tests
func newReactorWithPoller(name string, cfg common.Config, handler IInboundHandler, negotiator INegotiator, poller poll.IPoller) *Reactor {
	r := &Reactor{}
	r.thread = &ReactorThread{
		name:         name,
		cfg:          cfg,
		reactor:      r,
		poller:       poller,
		handler:      handler,
		negotiator:   negotiator,
		serverConns:  make(map[uint64]*Connection),
		clientConns:  make(map[ConnectionId]*Connection),
		connByToken:  make(map[uint64]*Connection),
		waitingConns: make(map[*Connection]struct{}),
		timers:       newTimerHeap(),
		scheduled:    make(map[uint64]*DelayedTask),
		lastScan:     time.Now(),
		stopped:      make(chan struct{}),
		metrics:      newThreadMetrics(name),
	}
	return r
}

// Name returns the reactor's name
func (r *Reactor) Name() string {
	return r.thread.name
}

// Init starts the event loop goroutine
func (r *Reactor) Init() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.thread.runThread()
}

// --------------------------------------------------------------------------
// Task admission
// --------------------------------------------------------------------------

// scheduleTask queues a task for the loop goroutine, or aborts it inline
// when the reactor no longer admits it. evenIfClosing lets shutdown
// internals and negotiation completions through after Shutdown began.
func (r *Reactor) scheduleTask(task ITask, evenIfClosing bool) {
	r.mu.Lock()
	if r.terminated || (r.closing && !evenIfClosing) {
		r.mu.Unlock()
		task.Abort(common.ShutdownErrorf("reactor %s is closing", r.thread.name))
		return
	}
	r.pendingTasks = append(r.pendingTasks, task)
	if err := r.thread.poller.Wake(); err != nil {
		Logger.Warningf("%s: wake failed: %v", r.thread.name, err)
	}
	r.mu.Unlock()
}

// drainTaskQueue runs queued tasks on the loop goroutine, or aborts them
// with status when non-nil
func (r *Reactor) drainTaskQueue(status error) {
	r.mu.Lock()
	tasks := r.pendingTasks
	r.pendingTasks = nil
	r.mu.Unlock()

	for _, task := range tasks {
		if status != nil {
			task.Abort(status)
		} else {
			task.Run(r.thread)
		}
	}
}

// terminate flips the reactor to its final state under the scheduling
// lock and closes the poller, so no later wake can touch a dead file
// descriptor. Returns the tasks that were still queued.
func (r *Reactor) terminate() []ITask {
	r.mu.Lock()
	r.terminated = true
	tasks := r.pendingTasks
	r.pendingTasks = nil
	r.thread.poller.Close()
	r.mu.Unlock()
	return tasks
}

// wake interrupts the poll unless the loop is already gone
func (r *Reactor) wake() {
	r.mu.Lock()
	if !r.terminated {
		if err := r.thread.poller.Wake(); err != nil {
			Logger.Warningf("%s: wake failed: %v", r.thread.name, err)
		}
	}
	r.mu.Unlock()
}

// --------------------------------------------------------------------------
// Public operations
// --------------------------------------------------------------------------

// ScheduleReactorTask queues a task for the loop goroutine. The task
// receives exactly one of Run or Abort.
func (r *Reactor) ScheduleReactorTask(task ITask) {
	r.scheduleTask(task, false)
}

// ScheduleDelayedTask schedules fn to run on the loop goroutine after
// delay. fn receives nil when fired and the abort status otherwise. The
// returned handle cancels via AbortTask.
func (r *Reactor) ScheduleDelayedTask(delay time.Duration, fn func(error)) *DelayedTask {
	task := newDelayedTask(delay, fn)
	r.scheduleTask(task, false)
	return task
}

// RunOnReactorThread runs fn on the loop goroutine and blocks the caller
// until it finishes, returning fn's error or the abort status. Must not
// be called from the loop goroutine itself.
func (r *Reactor) RunOnReactorThread(fn func(rt *ReactorThread) error) error {
	done := make(chan error, 1)
	r.scheduleTask(NewTaskWithAbort(
		func(rt *ReactorThread) {
			done <- fn(rt)
		},
		func(status error) {
			done <- status
		},
	), false)
	return <-done
}

// QueueOutboundCall hands a call to the reactor for assignment to its
// connection. Failures after this point surface through the call itself,
// never as a return value. Arms the timeout timer when the call has one.
func (r *Reactor) QueueOutboundCall(call *OutboundCall) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		call.fail(common.ShutdownErrorf("reactor %s is closing", r.thread.name))
		return
	}

	r.thread.metrics.outboundCalls.Inc()
	if timeout := call.timeout; timeout > 0 {
		// The task is attached before it is admitted so the completion
		// paths always observe it.
		task := newDelayedTask(timeout, func(status error) {
			if status != nil {
				return
			}
			if call.fail(common.TimeoutErrorf("%s.%s to %s timed out after %v",
				call.service, call.method, call.connID.Remote, timeout)) {
				r.thread.metrics.callTimeouts.Inc()
				if conn := call.conn; conn != nil {
					conn.removeAwaiting(call.id)
				}
			}
		})
		call.timeoutTask = task
		r.scheduleTask(task, false)
	}

	if !r.thread.queueOutboundCall(call) {
		call.fail(common.ShutdownErrorf("reactor %s is shut down", r.thread.name))
	}
}

// QueueInboundSocket adopts an accepted socket onto this reactor. The
// socket is closed if the reactor no longer admits connections.
func (r *Reactor) QueueInboundSocket(sck sock.ISocket) {
	r.scheduleTask(NewTaskWithAbort(
		func(rt *ReactorThread) {
			rt.registerInboundSocket(sck)
		},
		func(status error) {
			Logger.Debugf("%s: dropping accepted connection from %s: %v", r.thread.name, sck.RemoteAddr(), status)
			sck.Close()
		},
	), false)
}

// GetMetrics snapshots the loop's connection and timer counts
func (r *Reactor) GetMetrics() (ReactorMetrics, error) {
	var m ReactorMetrics
	err := r.RunOnReactorThread(func(rt *ReactorThread) error {
		m = rt.collectMetrics()
		return nil
	})
	return m, err
}

// DumpRunningRpcs snapshots every connection with its in-flight calls
func (r *Reactor) DumpRunningRpcs() (ReactorDump, error) {
	var d ReactorDump
	err := r.RunOnReactorThread(func(rt *ReactorThread) error {
		d = rt.dumpRunningRpcs()
		return nil
	})
	return d, err
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Shutdown stops admitting work, resolves everything in flight and
// blocks until the event loop has exited. Safe to call more than once;
// every caller returns only after the loop is gone.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		<-r.thread.stopped
		return
	}
	r.closing = true
	started := r.started
	r.mu.Unlock()

	status := common.ShutdownErrorf("reactor %s is shutting down", r.thread.name)
	if !started {
		// The loop never ran, resolve everything right here
		for _, task := range r.terminate() {
			task.Abort(status)
		}
		r.thread.finalDrainOutbound(status)
		close(r.thread.stopped)
		return
	}

	r.scheduleTask(NewTask(func(rt *ReactorThread) {
		rt.shutdownInternal(status)
	}), true)
	<-r.thread.stopped
}
