package durable

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecuteWorkflow runs a workflow one step at a time. At every barrier the
// first ready step in declaration order is executed.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string) *ExecutionResult {
	return e.execute(ctx, id, ModeSequential)
}

// ExecuteWorkflowParallel runs a workflow in batches. At every barrier all
// ready steps are executed concurrently and the next batch starts only after
// each of them has settled and been persisted.
func (e *Engine) ExecuteWorkflowParallel(ctx context.Context, id string) *ExecutionResult {
	return e.execute(ctx, id, ModeParallel)
}

func (e *Engine) execute(ctx context.Context, id string, mode Mode) *ExecutionResult {
	start := e.clock.Now()
	r, err := e.acquire(ctx, id)
	if err != nil {
		return e.failureResult(id, err, start)
	}
	defer e.release(r)

	switch r.wf.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return e.settledResult(r, start)
	case StatusPaused:
		res := e.result(r.snapshot(), nil, start)
		res.Error = Errorf(ErrorCodeInvalidState, "workflow %q is paused; resume it to continue", id)
		return res
	}
	r.mutex.Lock()
	r.wf.Mode = mode
	r.mutex.Unlock()
	return e.drive(ctx, r, start, "execute")
}

// drive marks the workflow running and executes it until it settles, pauses
// or the call is interrupted.
func (e *Engine) drive(ctx context.Context, r *run, start time.Time, operation string) *ExecutionResult {
	r.mutex.Lock()
	first := r.wf.StartedAt == nil
	if first {
		now := e.clock.Now()
		r.wf.StartedAt = &now
	}
	r.wf.Status = StatusRunning
	r.mutex.Unlock()

	ctx, span := e.telemetry.startWorkflow(ctx, r.wf, operation)
	if err := e.persistWorkflow(ctx, r); err != nil {
		r.fail(ClassifyError(err))
		return e.finish(ctx, r, span, start)
	}
	if first {
		wf := r.snapshot()
		e.callbacks.BeforeWorkflowExecution(ctx, &WorkflowEvent{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			Status:       wf.Status,
			Mode:         wf.Mode,
			StartTime:    *wf.StartedAt,
			Input:        wf.Input,
			StepCount:    len(wf.Steps),
		})
		e.audit.publish(workflowEpisode(wf, EpisodeWorkflowStarted,
			fmt.Sprintf("Workflow %s started", wf.Name),
			OutcomePending, 0.4, "started", string(wf.Mode)))
		e.logger.Info("workflow started",
			"workflow_id", wf.ID,
			"workflow_name", wf.Name,
			"mode", wf.Mode)
	}
	e.loop(ctx, r)
	return e.finish(ctx, r, span, start)
}

// loop executes batches until the workflow is completed, failed, paused or
// cancelled, or until the call is interrupted.
func (e *Engine) loop(ctx context.Context, r *run) {
	for {
		if r.failure() != nil {
			return
		}
		if reason, ok := r.cancelRequested(); ok {
			e.cancelRun(ctx, r, reason)
			return
		}
		if err := ctx.Err(); err != nil {
			r.fail(&Error{
				Code:      ErrorCodeInterrupted,
				Message:   "execution interrupted: " + err.Error(),
				Retryable: true,
				Wrapped:   err,
			})
			return
		}

		plan := r.plan()
		switch {
		case len(plan.Failed) > 0:
			e.failRun(ctx, r, stepFailure(plan.Failed[0]))
			return
		case len(plan.Waiting) > 0:
			e.pauseRun(ctx, r)
			return
		case plan.Complete:
			e.completeRun(ctx, r)
			return
		case plan.Deadlocked(), len(plan.Ready) == 0:
			e.failRun(ctx, r, plan.DeadlockError())
			return
		}

		batch := plan.Ready
		if r.wf.Mode == ModeSequential {
			batch = batch[:1]
		}
		results := e.runBatch(ctx, r, batch)
		r.mutex.Lock()
		r.results = append(r.results, results...)
		r.mutex.Unlock()
	}
}

// runBatch executes every step of the batch and waits for all of them to
// settle. A failing step does not cancel its siblings.
func (e *Engine) runBatch(ctx context.Context, r *run, batch []*Step) []StepResult {
	results := make([]StepResult, len(batch))
	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, step := range batch {
		id := step.ID
		g.Go(func() error {
			results[i] = e.runStep(ctx, r, id)
			return nil
		})
	}
	g.Wait()
	return results
}

// runStep executes one step and persists it before and after the call.
func (e *Engine) runStep(ctx context.Context, r *run, stepID string) StepResult {
	r.mutex.Lock()
	index, step := r.wf.StepByID(stepID)
	started := e.clock.Now()
	step.Status = StepInProgress
	step.StartedAt = &started
	step.CompletedAt = nil
	step.Error = nil
	step.WaitingMessage = ""
	step.UpdatedAt = started
	r.wf.CurrentStepIndex = index
	snapshot := step.Clone()
	ec := &ExecutionContext{
		WorkflowID:          r.wf.ID,
		WorkflowName:        r.wf.Name,
		WorkflowInput:       r.wf.Input,
		PreviousStepOutputs: newStepOutputs(r.wf.CompletedSteps()),
		SharedMemory:        r.shared,
		Logger:              e.logger.With("workflow_id", r.wf.ID, "step", step.Name),
	}
	wf := r.wf
	r.mutex.Unlock()

	if err := e.persistStep(ctx, wf.ID, snapshot); err != nil {
		serr := ClassifyError(err)
		r.mutex.Lock()
		step.Status = StepPending
		step.StartedAt = nil
		r.mutex.Unlock()
		r.fail(serr)
		return StepResult{
			StepID:      stepID,
			StepName:    snapshot.Name,
			Outcome:     Failed{Err: serr},
			StartedAt:   started,
			CompletedAt: started,
		}
	}

	e.callbacks.BeforeStepExecution(ctx, &StepEvent{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		StepID:       snapshot.ID,
		StepName:     snapshot.Name,
		Agent:        snapshot.Agent,
		Status:       snapshot.Status,
		Input:        snapshot.Input,
		StartTime:    started,
	})
	e.logger.Debug("step started", "workflow_id", wf.ID, "step", snapshot.Name)

	stepCtx, span := e.telemetry.startStep(ctx, wf, snapshot)
	outcome := e.invoke(stepCtx, snapshot, ec)
	finished := e.clock.Now()
	elapsed := finished.Sub(started)

	interrupted := false
	r.mutex.Lock()
	switch o := outcome.(type) {
	case Completed:
		step.Status = StepCompleted
		step.Output = o.Output
		step.CompletedAt = &finished
	case Waiting:
		step.Status = StepWaiting
		step.WaitingMessage = o.Message
	case Failed:
		if ctx.Err() != nil {
			// The caller went away, not the step. Leave it pending for
			// the next execution or recovery.
			interrupted = true
			step.Status = StepPending
			step.StartedAt = nil
		} else {
			step.Status = StepFailed
			step.Error = o.Err
			step.CompletedAt = &finished
		}
	}
	step.UpdatedAt = finished
	settled := step.Clone()
	r.mutex.Unlock()

	if err := e.persistStep(ctx, wf.ID, settled); err != nil {
		r.fail(ClassifyError(err))
	}
	e.telemetry.endStep(stepCtx, span, settled, elapsed)
	if interrupted {
		r.fail(&Error{
			Code:      ErrorCodeInterrupted,
			Message:   fmt.Sprintf("step %q interrupted: %s", settled.Name, ctx.Err()),
			Retryable: true,
			Wrapped:   ctx.Err(),
		})
	} else if ep := stepEpisode(wf, settled, elapsed); ep != nil {
		e.audit.publish(ep)
	}

	event := &StepEvent{
		WorkflowID:     wf.ID,
		WorkflowName:   wf.Name,
		StepID:         settled.ID,
		StepName:       settled.Name,
		Agent:          settled.Agent,
		Status:         settled.Status,
		Input:          settled.Input,
		Output:         settled.Output,
		WaitingMessage: settled.WaitingMessage,
		StartTime:      started,
		EndTime:        finished,
		Duration:       elapsed,
	}
	if settled.Error != nil {
		event.Error = settled.Error
	}
	e.callbacks.AfterStepExecution(ctx, event)
	e.logger.Info("step finished",
		"workflow_id", wf.ID,
		"step", settled.Name,
		"status", settled.Status,
		"duration", elapsed)

	return StepResult{
		StepID:      stepID,
		StepName:    settled.Name,
		Outcome:     outcome,
		StartedAt:   started,
		CompletedAt: finished,
		Duration:    elapsed,
	}
}

// invoke calls the step executor, converting panics and malformed outcomes
// into failures.
func (e *Engine) invoke(ctx context.Context, step *Step, ec *ExecutionContext) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("step executor panicked", "step", step.Name, "panic", rec)
			outcome = Failed{Err: Errorf(ErrorCodeStepFailed, "step %q panicked: %v", step.Name, rec)}
		}
	}()
	switch o := e.executor.Execute(ctx, step, ec).(type) {
	case Completed:
		return o
	case *Completed:
		return *o
	case Waiting:
		return o
	case *Waiting:
		return *o
	case Failed:
		if o.Err == nil {
			return Failed{Err: Errorf(ErrorCodeStepFailed, "step %q failed", step.Name)}
		}
		return o
	case *Failed:
		if o.Err == nil {
			return Failed{Err: Errorf(ErrorCodeStepFailed, "step %q failed", step.Name)}
		}
		return *o
	default:
		return Failed{Err: Errorf(ErrorCodeStepFailed, "step %q returned no outcome", step.Name)}
	}
}

func stepFailure(step *Step) *Error {
	if step.Error != nil {
		return step.Error.Clone()
	}
	return Errorf(ErrorCodeStepFailed, "step %q failed", step.Name)
}

func (e *Engine) completeRun(ctx context.Context, r *run) {
	r.mutex.Lock()
	now := e.clock.Now()
	r.wf.Status = StatusCompleted
	r.wf.CompletedAt = &now
	r.wf.Error = nil
	r.wf.Output = aggregateOutput(r.wf, r.graph)
	r.mutex.Unlock()
	e.settle(ctx, r, EpisodeWorkflowCompleted, OutcomeSuccess, 0.6, "completed")
}

func (e *Engine) failRun(ctx context.Context, r *run, err *Error) {
	r.mutex.Lock()
	now := e.clock.Now()
	r.wf.Status = StatusFailed
	r.wf.CompletedAt = &now
	r.wf.Error = err
	r.mutex.Unlock()
	e.settle(ctx, r, EpisodeWorkflowFailed, OutcomeFailure, 0.9, "failed", err.Code)
}

func (e *Engine) pauseRun(ctx context.Context, r *run) {
	r.mutex.Lock()
	r.wf.Status = StatusPaused
	r.mutex.Unlock()
	e.settle(ctx, r, EpisodeWorkflowPaused, OutcomePending, 0.7, "paused")
}

func (e *Engine) cancelRun(ctx context.Context, r *run, reason string) {
	r.mutex.Lock()
	now := e.clock.Now()
	r.wf.Status = StatusCancelled
	r.wf.CompletedAt = &now
	r.wf.Error = nil
	r.wf.CancelReason = reason
	r.mutex.Unlock()
	e.settle(ctx, r, EpisodeWorkflowCancelled, OutcomeFailure, 0.7, "cancelled")
}

// settle persists a workflow-level status change and records it.
func (e *Engine) settle(ctx context.Context, r *run, typ EpisodeType, outcome string, importance float64, tags ...string) {
	if err := e.persistWorkflow(ctx, r); err != nil {
		e.logger.Error("failed to persist workflow", "workflow_id", r.id, "error", err)
		r.fail(ClassifyError(err))
		return
	}
	wf := r.snapshot()
	tags = append(tags, string(wf.Mode))
	e.audit.publish(workflowEpisode(wf, typ,
		fmt.Sprintf("Workflow %s %s", wf.Name, wf.Status),
		outcome, importance, tags...))
	if wf.Status == StatusFailed {
		e.logger.Error("workflow failed", "workflow_id", wf.ID, "error", wf.Error)
	} else {
		e.logger.Info("workflow "+string(wf.Status), "workflow_id", wf.ID)
	}
}

// finish ends the workflow span, notifies callbacks and builds the result of
// an execution call.
func (e *Engine) finish(ctx context.Context, r *run, span trace.Span, start time.Time) *ExecutionResult {
	wf := r.snapshot()
	r.mutex.Lock()
	results := append([]StepResult(nil), r.results...)
	r.mutex.Unlock()
	e.telemetry.endWorkflow(span, wf)

	res := e.result(wf, results, start)
	if err := r.failure(); err != nil {
		res.Success = false
		if res.Error == nil {
			res.Error = err
		}
	}
	if wf.Status.IsTerminal() || wf.Status == StatusPaused {
		event := &WorkflowEvent{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			Status:       wf.Status,
			Mode:         wf.Mode,
			EndTime:      e.clock.Now(),
			Input:        wf.Input,
			Output:       wf.Output,
			StepCount:    len(wf.Steps),
		}
		if wf.StartedAt != nil {
			event.StartTime = *wf.StartedAt
			event.Duration = event.EndTime.Sub(event.StartTime)
		}
		if wf.Error != nil {
			event.Error = wf.Error
		}
		e.callbacks.AfterWorkflowExecution(ctx, event)
	}
	return res
}

// result builds an ExecutionResult from a workflow snapshot.
func (e *Engine) result(wf *Workflow, results []StepResult, start time.Time) *ExecutionResult {
	if results == nil {
		results = []StepResult{}
	}
	res := &ExecutionResult{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Success:     wf.Status == StatusCompleted,
		Output:      wf.Output,
		Error:       wf.Error,
		Duration:    e.clock.Now().Sub(start),
		StepResults: results,
	}
	if wf.Status == StatusCancelled {
		res.Error = NewError(ErrorCodeCancelled, wf.CancelReason)
	}
	if wf.Status == StatusPaused {
		res.Paused = true
		if index, step := wf.WaitingStep(); step != nil {
			res.PausedAt = &PausePoint{
				StepIndex: index,
				StepID:    step.ID,
				StepName:  step.Name,
				Message:   step.WaitingMessage,
			}
		}
	}
	return res
}

// settledResult reports a workflow that already finished without executing
// anything. Step results are rebuilt from the persisted steps.
func (e *Engine) settledResult(r *run, start time.Time) *ExecutionResult {
	wf := r.snapshot()
	return e.result(wf, stepResultsFromState(wf), start)
}

func stepResultsFromState(wf *Workflow) []StepResult {
	var results []StepResult
	for _, step := range wf.CompletedSteps() {
		results = append(results, stateResult(step, Completed{Output: step.Output}))
	}
	for _, step := range wf.Steps {
		if step.Status == StepFailed {
			results = append(results, stateResult(step, Failed{Err: stepFailure(step)}))
		}
	}
	return results
}

func stateResult(step *Step, outcome Outcome) StepResult {
	res := StepResult{StepID: step.ID, StepName: step.Name, Outcome: outcome}
	if step.StartedAt != nil {
		res.StartedAt = *step.StartedAt
	}
	if step.CompletedAt != nil {
		res.CompletedAt = *step.CompletedAt
	}
	if step.StartedAt != nil && step.CompletedAt != nil {
		res.Duration = step.CompletedAt.Sub(*step.StartedAt)
	}
	return res
}

// aggregateOutput computes the workflow output: the output step's output when
// one is named, otherwise the output of the single sink step, otherwise a map
// of sink step name to output.
func aggregateOutput(wf *Workflow, g *Graph) any {
	if wf.OutputStep != "" {
		if step, ok := wf.Step(wf.OutputStep); ok {
			return step.Output
		}
	}
	sinks := g.Sinks()
	if len(sinks) == 1 {
		return sinks[0].Output
	}
	out := make(map[string]any, len(sinks))
	for _, step := range sinks {
		out[step.Name] = step.Output
	}
	return out
}
