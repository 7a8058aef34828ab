package reactor

// --------------------------------------------------------------------------
// Reactor tasks
// --------------------------------------------------------------------------

// ITask is a unit of work executed on a reactor goroutine.
//
// Every scheduled task receives exactly one terminal callback: either Run
// on the reactor goroutine, or Abort when the task will never execute
// (reactor closing, queue drained during shutdown). Never both, never
// neither.
type ITask interface {
	// Run executes the task. It is only ever called on the goroutine of
	// the ReactorThread the task was scheduled on.
	Run(rt *ReactorThread)
	// Abort is called instead of Run when the task is dropped without
	// executing. status carries the reason. It may run on any goroutine.
	Abort(status error)
}

// funcTask adapts a pair of functions to ITask
type funcTask struct {
	run   func(rt *ReactorThread)
	abort func(status error)
}

func (t *funcTask) Run(rt *ReactorThread) { t.run(rt) }

func (t *funcTask) Abort(status error) {
	if t.abort != nil {
		t.abort(status)
	}
}

// NewTask wraps run as a task whose abort is a no-op.
func NewTask(run func(rt *ReactorThread)) ITask {
	return &funcTask{run: run}
}

// NewTaskWithAbort wraps run and abort as a task. abort may be nil.
func NewTaskWithAbort(run func(rt *ReactorThread), abort func(status error)) ITask {
	return &funcTask{run: run, abort: abort}
}
