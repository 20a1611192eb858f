package durable

import (
	"context"
	"fmt"
)

// RetryWorkflow re-runs the failed steps of a failed workflow and continues
// executing it in its recorded mode. Every failed step must have a retryable
// error and retries left; each one is reset to pending and its retry count
// incremented. Completed steps are not run again.
func (e *Engine) RetryWorkflow(ctx context.Context, id string) *ExecutionResult {
	start := e.clock.Now()
	r, err := e.acquire(ctx, id)
	if err != nil {
		return e.failureResult(id, err, start)
	}
	defer e.release(r)

	r.mutex.Lock()
	wf := r.wf
	var failed []*Step
	for _, step := range wf.Steps {
		if step.Status == StepFailed {
			failed = append(failed, step)
		}
	}
	status := wf.Status
	r.mutex.Unlock()

	notAllowed := func(format string, args ...any) *ExecutionResult {
		res := e.result(r.snapshot(), nil, start)
		res.Success = false
		res.Error = Errorf(ErrorCodeRetryNotAllowed, format, args...)
		return res
	}
	if status != StatusFailed {
		return notAllowed("workflow %q is %s, only failed workflows can be retried", id, status)
	}
	if len(failed) == 0 {
		return notAllowed("workflow %q failed without a failed step", id)
	}
	for _, step := range failed {
		if step.Error == nil || !step.Error.Retryable {
			return notAllowed("step %q failed with a non-retryable error", step.Name)
		}
		if step.RetryCount >= step.MaxRetries {
			return notAllowed("step %q has no retries left (%d of %d used)", step.Name, step.RetryCount, step.MaxRetries)
		}
	}

	r.mutex.Lock()
	names := make([]string, len(failed))
	for i, step := range failed {
		step.reset()
		step.RetryCount++
		step.UpdatedAt = e.clock.Now()
		names[i] = step.Name
	}
	wf.Status = StatusRunning
	wf.Error = nil
	wf.CompletedAt = nil
	if wf.Mode == "" {
		wf.Mode = ModeParallel
	}
	r.mutex.Unlock()

	// The workflow record carries the reset steps and is written before the
	// step records, so storage never holds a failed workflow whose failed
	// steps were already reset.
	if err := e.persistWorkflow(ctx, r); err != nil {
		return e.abort(r, err, start)
	}
	for _, step := range failed {
		r.mutex.Lock()
		snapshot := step.Clone()
		r.mutex.Unlock()
		if err := e.persistStep(ctx, id, snapshot); err != nil {
			return e.abort(r, err, start)
		}
	}

	e.audit.publish(workflowEpisode(r.snapshot(), EpisodeWorkflowRetried,
		fmt.Sprintf("Workflow %s retrying %d failed steps", wf.Name, len(failed)),
		OutcomePending, 0.6, "retried"))
	e.logger.Info("retrying workflow", "workflow_id", id, "steps", names)
	return e.drive(ctx, r, start, "retry")
}
