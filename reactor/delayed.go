package reactor

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Delayed tasks
// --------------------------------------------------------------------------

// DelayedTask runs a user function on a reactor goroutine after a delay,
// with cooperative cancellation from any goroutine.
//
// The function is invoked exactly once: with a nil status when the timer
// fires, or with the abort status when the task is cancelled first.
// An exclusive done flag, settable once under a lock, arbitrates the race
// between firing and aborting.
type DelayedTask struct {
	fn    func(status error)
	delay time.Duration

	mu   sync.Mutex
	done bool

	// timerID keys the heap entry, valid only on the owning goroutine
	// after Run has executed
	timerID uint64
}

// newDelayedTask creates an unscheduled task, Reactor.ScheduleDelayedTask
// is the public entry point
func newDelayedTask(delay time.Duration, fn func(status error)) *DelayedTask {
	return &DelayedTask{fn: fn, delay: delay}
}

// markDone claims the single terminal transition. Exactly one caller ever
// receives true.
func (t *DelayedTask) markDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Run registers the timer on the reactor goroutine. The user function is
// not invoked here; it runs when the timer fires.
func (t *DelayedTask) Run(rt *ReactorThread) {
	t.mu.Lock()
	if t.done {
		// Aborted before the timer was ever registered, the abort path
		// already delivered the callback.
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.timerID = rt.registerDelayedTask(t, time.Now().Add(t.delay))
}

// Abort delivers the terminal callback when the reactor drops the task
// before Run (part of the ITask contract).
func (t *DelayedTask) Abort(status error) {
	if t.markDone() {
		t.fn(status)
	}
}

// AbortTask cancels the task from any goroutine. The user function is
// invoked with status on the caller's goroutine if the task had not fired
// or been aborted yet; otherwise this is a no-op.
//
// A timer registration left behind on the reactor goroutine becomes a
// no-op at fire time, the done flag alone decides the outcome.
func (t *DelayedTask) AbortTask(status error) {
	if t.markDone() {
		t.fn(status)
	}
}

// fire delivers the timer callback on the reactor goroutine. Loses
// silently against a concurrent abort.
func (t *DelayedTask) fire() {
	if t.markDone() {
		t.fn(nil)
	}
}
