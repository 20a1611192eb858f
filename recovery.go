package durable

import (
	"context"
	"fmt"
)

// RecoverWorkflow rebuilds a workflow from storage, discarding any in-memory
// state the engine held for it. Steps that were in progress when the previous
// process stopped return to pending. The workflow status is derived again
// from its steps, and a graph that can no longer complete is failed with
// PARALLEL_DEADLOCK. The recovered workflow can be executed immediately;
// completed steps are never run again.
func (e *Engine) RecoverWorkflow(ctx context.Context, id string) (*Workflow, error) {
	e.mutex.Lock()
	if _, busy := e.runs[id]; busy {
		e.mutex.Unlock()
		return nil, Errorf(ErrorCodeBusy, "workflow %q is being executed", id)
	}
	r := &run{id: id}
	e.runs[id] = r
	delete(e.cache, id)
	shared, ok := e.shared[id]
	if !ok {
		shared = NewSharedMemory()
		e.shared[id] = shared
	}
	e.mutex.Unlock()
	defer e.release(r)

	wf, err := e.loadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	r.attach(wf, shared)

	previous := wf.Status
	if !wf.Status.IsTerminal() {
		e.deriveStatus(r)
	}
	if err := e.persistWorkflow(ctx, r); err != nil {
		r.fail(ClassifyError(err))
		return nil, err
	}

	recovered := r.snapshot()
	e.audit.publish(workflowEpisode(recovered, EpisodeWorkflowRecovered,
		fmt.Sprintf("Workflow %s recovered as %s", recovered.Name, recovered.Status),
		OutcomePending, 0.7, "recovered"))
	if recovered.Status != previous && recovered.Status == StatusFailed {
		e.audit.publish(workflowEpisode(recovered, EpisodeWorkflowFailed,
			fmt.Sprintf("Workflow %s failed during recovery", recovered.Name),
			OutcomeFailure, 0.9, "failed", recovered.Error.Code))
	}
	e.logger.Info("workflow recovered",
		"workflow_id", id,
		"status", recovered.Status,
		"previous_status", previous)
	return recovered, nil
}

// deriveStatus recomputes the status of a non-terminal workflow from its
// steps, as a crash may have happened between persisting a step and
// persisting the workflow record.
func (e *Engine) deriveStatus(r *run) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	wf := r.wf
	plan := r.graph.Analyze()
	now := e.clock.Now()
	switch {
	case len(plan.Failed) > 0:
		wf.Status = StatusFailed
		wf.Error = stepFailure(plan.Failed[0])
		wf.CompletedAt = &now
	case len(plan.Waiting) > 0:
		wf.Status = StatusPaused
	case plan.Complete:
		wf.Status = StatusCompleted
		wf.Error = nil
		wf.Output = aggregateOutput(wf, r.graph)
		wf.CompletedAt = &now
	case plan.Deadlocked():
		wf.Status = StatusFailed
		wf.Error = plan.DeadlockError()
		wf.CompletedAt = &now
	}
}
