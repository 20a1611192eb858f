package durable

import (
	"context"
	"fmt"

	"dario.cat/mergo"
)

// ResumeWorkflow supplies human input to the waiting step of a paused
// workflow, runs that step again and, if it completes, continues executing
// the workflow in its recorded mode. Resuming a workflow that already
// completed or failed returns its recorded result without running anything.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string, humanInput any) *ExecutionResult {
	start := e.clock.Now()
	r, err := e.acquire(ctx, id)
	if err != nil {
		return e.failureResult(id, err, start)
	}
	defer e.release(r)

	r.mutex.Lock()
	status := r.wf.Status
	_, step := r.wf.WaitingStep()
	r.mutex.Unlock()

	if status.IsTerminal() {
		e.logger.Info("workflow already settled, nothing to resume",
			"workflow_id", id,
			"status", status)
		return e.settledResult(r, start)
	}
	if status != StatusPaused || step == nil {
		res := e.result(r.snapshot(), nil, start)
		res.Success = false
		res.Error = Errorf(ErrorCodeResumeInvalidState,
			"workflow %q is %s and has no waiting step", id, status).
			WithDetail("status", string(status))
		return res
	}

	input, err := mergeHumanInput(step.Input, humanInput)
	if err != nil {
		res := e.result(r.snapshot(), nil, start)
		res.Error = &Error{Code: ErrorCodeValidation, Message: err.Error(), Wrapped: err}
		return res
	}

	// The merged input is recorded while the step is still waiting, so the
	// workflow stays resumable with that input if the writes below fail.
	r.mutex.Lock()
	step.Input = input
	step.UpdatedAt = e.clock.Now()
	merged := step.Clone()
	r.mutex.Unlock()
	if err := e.persistStep(ctx, id, merged); err != nil {
		return e.abort(r, err, start)
	}

	r.mutex.Lock()
	step.Status = StepPending
	step.WaitingMessage = ""
	step.UpdatedAt = e.clock.Now()
	r.wf.Status = StatusRunning
	if r.wf.Mode == "" {
		r.wf.Mode = ModeParallel
	}
	r.mutex.Unlock()

	ctx, span := e.telemetry.startWorkflow(ctx, r.wf, "resume")
	if err := e.persistWorkflow(ctx, r); err != nil {
		r.fail(ClassifyError(err))
		return e.finish(ctx, r, span, start)
	}
	wf := r.snapshot()
	e.audit.publish(workflowEpisode(wf, EpisodeWorkflowResumed,
		fmt.Sprintf("Workflow %s resumed at step %s", wf.Name, step.Name),
		OutcomePending, 0.6, "resumed", string(wf.Mode)))
	e.logger.Info("workflow resumed",
		"workflow_id", id,
		"step", step.Name)

	result := e.runStep(ctx, r, step.ID)
	r.mutex.Lock()
	r.results = append(r.results, result)
	r.mutex.Unlock()

	e.loop(ctx, r)
	return e.finish(ctx, r, span, start)
}

// mergeHumanInput layers human input on top of the original step input. Map
// inputs are merged key by key with human values winning. Non-map values are
// kept side by side under "original_input" and "human_input".
func mergeHumanInput(original, human any) (any, error) {
	if human == nil {
		return original, nil
	}
	if original == nil {
		return human, nil
	}
	origMap, origIsMap := original.(map[string]any)
	humanMap, humanIsMap := human.(map[string]any)
	switch {
	case origIsMap && humanIsMap:
		merged := deepCopyMap(origMap)
		if err := mergo.Merge(&merged, deepCopyMap(humanMap), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge human input: %w", err)
		}
		return merged, nil
	case origIsMap:
		merged := deepCopyMap(origMap)
		merged["human_input"] = human
		return merged, nil
	case humanIsMap:
		merged := deepCopyMap(humanMap)
		merged["original_input"] = original
		return merged, nil
	default:
		return map[string]any{
			"original_input": original,
			"human_input":    human,
		}, nil
	}
}
