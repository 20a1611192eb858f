package durable

import "sync"

// run is the in-memory state of one execution call that owns a workflow.
// Step goroutines mutate their own step under mutex; workflow-level fields
// are only changed by the goroutine driving the run.
type run struct {
	id      string
	mutex   sync.Mutex
	wf      *Workflow
	graph   *Graph
	shared  *SharedMemory
	results []StepResult

	cancelReason string
	cancelled    bool

	// err records a failure of the execution call itself, as opposed to a
	// failure of the workflow.
	err *Error
}

func (r *run) attach(wf *Workflow, shared *SharedMemory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.wf = wf
	r.graph = NewGraph(wf.Steps)
	r.shared = shared
}

func (r *run) snapshot() *Workflow {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.wf == nil {
		return nil
	}
	return r.wf.Clone()
}

func (r *run) plan() Plan {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.graph.Analyze()
}

// requestCancel asks the driving goroutine to cancel at the next barrier and
// returns the current state.
func (r *run) requestCancel(reason string) *Workflow {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.wf == nil {
		return nil
	}
	r.cancelled = true
	r.cancelReason = reason
	return r.wf.Clone()
}

func (r *run) cancelRequested() (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cancelReason, r.cancelled
}

func (r *run) fail(err *Error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) failure() *Error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.err
}
