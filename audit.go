package durable

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EpisodeType classifies audit episodes.
type EpisodeType string

const (
	EpisodeWorkflowCreated   EpisodeType = "workflow_created"
	EpisodeWorkflowStarted   EpisodeType = "workflow_started"
	EpisodeWorkflowCompleted EpisodeType = "workflow_completed"
	EpisodeWorkflowFailed    EpisodeType = "workflow_failed"
	EpisodeWorkflowPaused    EpisodeType = "workflow_paused"
	EpisodeWorkflowResumed   EpisodeType = "workflow_resumed"
	EpisodeWorkflowRecovered EpisodeType = "workflow_recovered"
	EpisodeWorkflowCancelled EpisodeType = "workflow_cancelled"
	EpisodeWorkflowRetried   EpisodeType = "workflow_retried"
	EpisodeStepCompleted     EpisodeType = "step_completed"
	EpisodeStepFailed        EpisodeType = "step_failed"
	EpisodeStepWaiting       EpisodeType = "step_waiting"
)

// Episode outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending"
)

const auditWriteTimeout = 5 * time.Second

// auditor records episodes asynchronously. Episodes are best effort: a full
// buffer or a failed write is logged and the episode dropped, and execution
// never waits on the audit log.
type auditor struct {
	storage Storage
	logger  *slog.Logger
	events  chan *Episode
	done    chan struct{}
	mutex   sync.RWMutex
	closed  bool
}

func newAuditor(storage Storage, logger *slog.Logger, buffer int) *auditor {
	a := &auditor{
		storage: storage,
		logger:  logger,
		events:  make(chan *Episode, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *auditor) run() {
	defer close(a.done)
	for ep := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := a.storage.RecordEpisode(ctx, ep); err != nil {
			a.logger.Warn("failed to record episode",
				slog.String("type", string(ep.Type)),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (a *auditor) publish(ep *Episode) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ep:
	default:
		a.logger.Warn("audit buffer full, dropping episode",
			slog.String("type", string(ep.Type)))
	}
}

// close stops accepting episodes and waits for queued ones to be written.
func (a *auditor) close(ctx context.Context) error {
	a.mutex.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mutex.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func workflowEpisode(wf *Workflow, typ EpisodeType, summary, outcome string, importance float64, tags ...string) *Episode {
	details := map[string]any{
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"status":        string(wf.Status),
		"step_count":    len(wf.Steps),
	}
	if wf.Mode != "" {
		details["mode"] = string(wf.Mode)
	}
	if wf.Error != nil {
		details["error_code"] = wf.Error.Code
		details["error"] = wf.Error.Message
	}
	return &Episode{
		Type:       typ,
		Summary:    summary,
		Details:    details,
		Context:    wf.ContextID,
		Outcome:    outcome,
		Importance: importance,
		Tags:       append([]string{"workflow"}, tags...),
	}
}

func stepEpisode(wf *Workflow, step *Step, duration time.Duration) *Episode {
	details := map[string]any{
		"workflow_id": wf.ID,
		"step_id":     step.ID,
		"step_name":   step.Name,
		"agent":       step.Agent,
		"duration_ms": duration.Milliseconds(),
		"retry_count": step.RetryCount,
	}
	ep := &Episode{
		Details: details,
		Context: wf.ContextID,
		Tags:    []string{"step", step.Name},
	}
	switch step.Status {
	case StepCompleted:
		ep.Type = EpisodeStepCompleted
		ep.Summary = "Step " + step.Name + " completed"
		ep.Outcome = OutcomeSuccess
		ep.Importance = 0.3
		ep.Tags = append(ep.Tags, "completed")
	case StepFailed:
		ep.Type = EpisodeStepFailed
		ep.Summary = "Step " + step.Name + " failed"
		ep.Outcome = OutcomeFailure
		ep.Importance = 0.8
		ep.Tags = append(ep.Tags, "failed")
		if step.Error != nil {
			details["error_code"] = step.Error.Code
			details["error"] = step.Error.Message
		}
	case StepWaiting:
		ep.Type = EpisodeStepWaiting
		ep.Summary = "Step " + step.Name + " waiting for human input"
		ep.Outcome = OutcomePending
		ep.Importance = 0.6
		ep.Tags = append(ep.Tags, "waiting")
		details["message"] = step.WaitingMessage
	default:
		return nil
	}
	return ep
}
