package durable

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DefinitionRegistry holds named workflow definitions that steps can start as
// child workflows.
type DefinitionRegistry struct {
	mutex       sync.RWMutex
	definitions map[string]*Definition
}

// NewDefinitionRegistry returns a registry holding the given definitions.
func NewDefinitionRegistry(defs ...*Definition) (*DefinitionRegistry, error) {
	r := &DefinitionRegistry{definitions: map[string]*Definition{}}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a definition, replacing any definition with the
// same name.
func (r *DefinitionRegistry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.definitions[def.Name] = def
	return nil
}

// Get returns the named definition.
func (r *DefinitionRegistry) Get(name string) (*Definition, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Names returns the registered definition names in sorted order.
func (r *DefinitionRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChildWorkflowInput defines the input of the child workflow agent
type ChildWorkflowInput struct {
	Workflow   string `json:"workflow"`
	Input      any    `json:"input"`
	Sequential bool   `json:"sequential"`

	// ChildInput is the human input forwarded to a paused child workflow when
	// the parent step is resumed.
	ChildInput any `json:"child_input"`
}

const parentStepAttribute = "parent_step"

// ChildWorkflowAgent runs a registered definition as a child workflow on the
// same engine and waits for it. The child records the parent workflow ID and
// step name in its metadata, so when the parent step runs again (after a
// crash, a resume or a retry) it continues the existing child instead of
// starting another one.
//
// A paused child pauses the parent step. Resume the parent with
// {"child_input": ...} to resume the child with that input.
type ChildWorkflowAgent struct {
	engine      *Engine
	definitions *DefinitionRegistry
}

// NewChildWorkflowAgent returns an agent named "workflow.child". Register it
// with the registry the engine executes steps with.
func NewChildWorkflowAgent(engine *Engine, definitions *DefinitionRegistry) *ChildWorkflowAgent {
	return &ChildWorkflowAgent{engine: engine, definitions: definitions}
}

func (a *ChildWorkflowAgent) Name() string {
	return "workflow.child"
}

func (a *ChildWorkflowAgent) Execute(ctx context.Context, req *AgentRequest) (any, error) {
	var input ChildWorkflowInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Workflow == "" {
		return nil, NewError(ErrorCodeValidation, "child workflow agent requires 'workflow' input")
	}
	def, ok := a.definitions.Get(input.Workflow)
	if !ok {
		return nil, Errorf(ErrorCodeValidation, "workflow definition %q not found", input.Workflow)
	}
	var parentID string
	if req.Context != nil {
		parentID = req.Context.WorkflowID
	}

	child, err := a.findChild(ctx, parentID, req.Step.Name)
	if err != nil {
		return nil, err
	}

	var res *ExecutionResult
	switch {
	case child == nil:
		child, err = a.engine.CreateWorkflow(ctx, def, CreateOptions{
			Input: input.Input,
			Metadata: Metadata{
				Initiator:        "workflow:" + parentID,
				ParentWorkflowID: parentID,
				Attributes:       map[string]any{parentStepAttribute: req.Step.Name},
			},
		})
		if err != nil {
			return nil, err
		}
		res = a.execute(ctx, child.ID, input.Sequential)
	case child.Status == StatusCompleted:
		return childOutput(child.ID, child.Status, child.Output), nil
	case child.Status == StatusPaused:
		if input.ChildInput == nil {
			_, step := child.WaitingStep()
			return nil, waitForChild(child.ID, step)
		}
		res = a.engine.ResumeWorkflow(ctx, child.ID, input.ChildInput)
	case child.Status == StatusFailed:
		res = a.engine.RetryWorkflow(ctx, child.ID)
	case child.Status == StatusCancelled:
		return nil, Errorf(ErrorCodeStepFailed, "child workflow %s was cancelled", child.ID).
			WithDetail("child_workflow_id", child.ID)
	default:
		if _, err := a.engine.RecoverWorkflow(ctx, child.ID); err != nil {
			return nil, err
		}
		res = a.execute(ctx, child.ID, child.Mode == ModeSequential)
	}
	return a.settle(ctx, res)
}

func (a *ChildWorkflowAgent) execute(ctx context.Context, id string, sequential bool) *ExecutionResult {
	if sequential {
		return a.engine.ExecuteWorkflow(ctx, id)
	}
	return a.engine.ExecuteWorkflowParallel(ctx, id)
}

func (a *ChildWorkflowAgent) settle(ctx context.Context, res *ExecutionResult) (any, error) {
	switch {
	case res.Success:
		return childOutput(res.WorkflowID, res.Status, res.Output), nil
	case res.Paused:
		child, err := a.engine.GetWorkflow(ctx, res.WorkflowID)
		if err != nil {
			return nil, err
		}
		_, step := child.WaitingStep()
		return nil, waitForChild(child.ID, step)
	}
	cause := res.Error
	if cause == nil {
		cause = Errorf(ErrorCodeStepFailed, "child workflow ended as %s", res.Status)
	}
	if cause.Code == ErrorCodeInterrupted {
		return nil, cause
	}
	return nil, &Error{
		Code:      ErrorCodeStepFailed,
		Message:   fmt.Sprintf("child workflow %s failed: %s", res.WorkflowID, cause.Message),
		Retryable: cause.Retryable,
		Details: map[string]any{
			"child_workflow_id": res.WorkflowID,
			"child_error_code":  cause.Code,
		},
		Wrapped: cause,
	}
}

// findChild returns the child workflow started by the given parent step.
func (a *ChildWorkflowAgent) findChild(ctx context.Context, parentID, stepName string) (*Workflow, error) {
	if parentID == "" {
		return nil, nil
	}
	workflows, err := a.engine.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Metadata.ParentWorkflowID != parentID {
			continue
		}
		if step, _ := wf.Metadata.Attributes[parentStepAttribute].(string); step == stepName {
			return wf, nil
		}
	}
	return nil, nil
}

func childOutput(id string, status Status, output any) map[string]any {
	return map[string]any{
		"workflow_id": id,
		"status":      string(status),
		"output":      output,
	}
}

func waitForChild(id string, step *Step) error {
	message := fmt.Sprintf("child workflow %s is waiting for input", id)
	if step != nil && step.WaitingMessage != "" {
		message = fmt.Sprintf("child workflow %s: %s", id, step.WaitingMessage)
	}
	return WaitFor(message)
}
