package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calderadb/calrpc/common"
)

// TestMarkDoneExactlyOnce tests that the done flag has a single winner
// under contention
func TestMarkDoneExactlyOnce(t *testing.T) {
	task := newDelayedTask(time.Millisecond, func(error) {})

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task.markDone() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners.Load())
	}
}

// TestDelayedTaskFires tests that a scheduled task fires with a nil status
func TestDelayedTaskFires(t *testing.T) {
	r, _ := startTestReactor(t, testConfig(), nil)

	fired := make(chan error, 1)
	r.ScheduleDelayedTask(5*time.Millisecond, func(status error) {
		fired <- status
	})

	select {
	case status := <-fired:
		if status != nil {
			t.Errorf("Fired with status %v, want nil", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Delayed task never fired")
	}
}

// TestDelayedTaskAbortBeforeFire tests that an abort delivers the status
// synchronously and suppresses the later expiry
func TestDelayedTaskAbortBeforeFire(t *testing.T) {
	r, _ := startTestReactor(t, testConfig(), nil)

	sentinel := errors.New("canceled by test")
	var count atomic.Int32
	statusCh := make(chan error, 2)
	task := r.ScheduleDelayedTask(200*time.Millisecond, func(status error) {
		count.Add(1)
		statusCh <- status
	})

	task.AbortTask(sentinel)

	if count.Load() != 1 {
		t.Fatalf("Abort should deliver the callback on the calling goroutine, count=%d", count.Load())
	}
	if status := <-statusCh; status != sentinel {
		t.Errorf("Expected the abort status, got %v", status)
	}

	// The heap registration left behind must not deliver a second callback
	time.Sleep(300 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("Timer expiry after abort delivered %d callbacks, want 1", count.Load())
	}
}

// TestDelayedTaskFireAbortRace tests that racing expiry against abort
// still yields exactly one callback per task
func TestDelayedTaskFireAbortRace(t *testing.T) {
	r, _ := startTestReactor(t, testConfig(), nil)

	const n = 100
	counts := make([]atomic.Int32, n)
	tasks := make([]*DelayedTask, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = r.ScheduleDelayedTask(time.Millisecond, func(error) {
			counts[i].Add(1)
		})
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(dt *DelayedTask) {
			defer wg.Done()
			dt.AbortTask(errors.New("race abort"))
		}(task)
	}
	wg.Wait()

	// Let any still pending expiries run their (no-op) course
	time.Sleep(50 * time.Millisecond)

	for i := range counts {
		if c := counts[i].Load(); c != 1 {
			t.Errorf("Task %d received %d callbacks, want exactly 1", i, c)
		}
	}
}

// TestShutdownAbortsScheduledTasks tests that shutdown aborts pending
// timers with a shutdown status
func TestShutdownAbortsScheduledTasks(t *testing.T) {
	fp := newFakePoller()
	r := newReactorWithPoller("reactor-test", testConfig(), nil, nil, fp)
	r.Init()

	statusCh := make(chan error, 1)
	r.ScheduleDelayedTask(time.Hour, func(status error) {
		statusCh <- status
	})

	// Give the loop a moment to register the timer so shutdown exercises
	// the scheduled set rather than the task queue
	time.Sleep(20 * time.Millisecond)

	r.Shutdown()

	select {
	case status := <-statusCh:
		if !common.IsShutdown(status) {
			t.Errorf("Expected a shutdown status, got %v", status)
		}
	default:
		t.Fatal("Scheduled task was not aborted by shutdown")
	}
}
