package durable

import (
	"sort"
	"time"

	"go.jetify.com/typeid"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that no execution entry point will
// change again (except RetryWorkflow on failed workflows).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode is the scheduling mode a workflow was last executed in. Resume
// continues in the recorded mode.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Metadata carries caller-supplied attributes for a workflow.
type Metadata struct {
	Initiator        string         `json:"initiator,omitempty" yaml:"initiator,omitempty"`
	Priority         int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags             []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	ParentWorkflowID string         `json:"parent_workflow_id,omitempty" yaml:"parent_workflow_id,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Workflow is a persisted execution of a Definition.
type Workflow struct {
	ID               string     `json:"id"`
	ContextID        string     `json:"context_id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Steps            []*Step    `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           Status     `json:"status"`
	Mode             Mode       `json:"mode,omitempty"`
	OutputStep       string     `json:"output_step,omitempty"`
	Input            any        `json:"input,omitempty"`
	Output           any        `json:"output,omitempty"`
	Error            *Error     `json:"error,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	Metadata         Metadata   `json:"metadata"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflowID returns a new unique workflow ID
func NewWorkflowID() string {
	value, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return value.String()
}

// NewContextID returns a new unique context ID, used to group related
// workflows.
func NewContextID() string {
	value, err := typeid.WithPrefix("ctx")
	if err != nil {
		panic(err)
	}
	return value.String()
}

// Clone returns a deep copy of the workflow and its steps.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.Clone()
	}
	c.Error = w.Error.Clone()
	c.StartedAt = copyTime(w.StartedAt)
	c.CompletedAt = copyTime(w.CompletedAt)
	if w.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), w.Metadata.Tags...)
	}
	if w.Metadata.Attributes != nil {
		c.Metadata.Attributes = copyMap(w.Metadata.Attributes)
	}
	return &c
}

// Step returns the step with the given name.
func (w *Workflow) Step(name string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// StepByID returns the step with the given ID and its position.
func (w *Workflow) StepByID(id string) (int, *Step) {
	for i, s := range w.Steps {
		if s.ID == id {
			return i, s
		}
	}
	return -1, nil
}

// WaitingStep returns the first waiting step in declaration order.
func (w *Workflow) WaitingStep() (int, *Step) {
	for i, s := range w.Steps {
		if s.Status == StepWaiting {
			return i, s
		}
	}
	return -1, nil
}

// FailedStep returns the first failed step in declaration order.
func (w *Workflow) FailedStep() *Step {
	for _, s := range w.Steps {
		if s.Status == StepFailed {
			return s
		}
	}
	return nil
}

// CompletedSteps returns the completed steps ordered by completion time, with
// declaration order breaking ties.
func (w *Workflow) CompletedSteps() []*Step {
	var steps []*Step
	for _, s := range w.Steps {
		if s.Status == StepCompleted {
			steps = append(steps, s)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return completedAt(steps[i]).Before(completedAt(steps[j]))
	})
	return steps
}

func completedAt(s *Step) time.Time {
	if s.CompletedAt == nil {
		return time.Time{}
	}
	return *s.CompletedAt
}
