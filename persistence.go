package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/deepnoodle-ai/durable/retry"
)

const workflowKeyPrefix = "workflow:"

func workflowKey(id string) string {
	return workflowKeyPrefix + id
}

func stepStatusKey(stepID string) string {
	return "step:" + stepID + ":status"
}

// stepRecord is the per-step working memory entry, written every time a step
// changes state.
type stepRecord struct {
	WorkflowID string `json:"workflow_id"`
	Step       *Step  `json:"step"`
}

// write marshals value and stores it, retrying recoverable storage errors.
// Writes are not cancelled with ctx so a settled step is always recorded.
func (e *Engine) write(ctx context.Context, key string, value any, memType MemoryType) error {
	data, err := json.Marshal(value)
	if err != nil {
		return storageError("marshal "+key, err)
	}
	ctx = context.WithoutCancel(ctx)
	err = retry.Do(ctx, func() error {
		return e.storage.SetWorkingMemory(ctx, key, data, memType)
	},
		retry.WithMaxRetries(e.persistRetries),
		retry.WithBaseWait(persistBaseWait),
		retry.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("retrying storage write", "key", key, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return storageError("persist "+key, err)
	}
	return nil
}

// persistWorkflow writes a snapshot of the run's workflow record and
// refreshes the cache with it.
func (e *Engine) persistWorkflow(ctx context.Context, r *run) error {
	r.mutex.Lock()
	r.wf.UpdatedAt = e.clock.Now()
	snapshot := r.wf.Clone()
	r.mutex.Unlock()
	if err := e.write(ctx, workflowKey(snapshot.ID), snapshot, MemoryTypeWorkflow); err != nil {
		return err
	}
	e.remember(snapshot)
	return nil
}

func (e *Engine) persistStep(ctx context.Context, workflowID string, step *Step) error {
	return e.write(ctx, stepStatusKey(step.ID), stepRecord{
		WorkflowID: workflowID,
		Step:       step,
	}, MemoryTypeStepStatus)
}

// loadWorkflow reconstructs a workflow from storage.
func (e *Engine) loadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	entry, err := e.storage.GetWorkingMemory(ctx, workflowKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundError(id)
		}
		return nil, storageError("load workflow", err)
	}
	var wf Workflow
	if err := json.Unmarshal(entry.Value, &wf); err != nil {
		return nil, storageError("decode workflow", err)
	}
	if err := e.reconcile(ctx, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// reconcile merges the step records into a decoded workflow record,
// preferring whichever copy of a step was updated last. Steps left in
// progress by a process that is no longer running are returned to pending so
// they run again.
func (e *Engine) reconcile(ctx context.Context, wf *Workflow) error {
	for i, step := range wf.Steps {
		rec, err := e.loadStepRecord(ctx, step.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if rec.WorkflowID != wf.ID || rec.Step == nil || rec.Step.ID != step.ID {
			e.logger.Warn("ignoring mismatched step record", "workflow_id", wf.ID, "step_id", step.ID)
			continue
		}
		if !rec.Step.UpdatedAt.Before(step.UpdatedAt) {
			wf.Steps[i] = rec.Step
		}
	}
	for _, step := range wf.Steps {
		if step.Status == StepInProgress {
			e.logger.Info("step was interrupted, returning it to pending",
				"workflow_id", wf.ID,
				"step", step.Name)
			step.Status = StepPending
			step.StartedAt = nil
		}
	}
	return nil
}

func (e *Engine) loadStepRecord(ctx context.Context, stepID string) (*stepRecord, error) {
	entry, err := e.storage.GetWorkingMemory(ctx, stepStatusKey(stepID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageError("load step", err)
	}
	var rec stepRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, storageError("decode step", err)
	}
	return &rec, nil
}
