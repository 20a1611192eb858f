package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Agent performs the work for steps that name it in their Agent field.
type Agent interface {

	// Name returns the name steps use to address the Agent
	Name() string

	// Execute the Agent for one step.
	Execute(ctx context.Context, req *AgentRequest) (any, error)
}

// AgentRequest is passed to an Agent for one step execution.
type AgentRequest struct {
	Step    *Step
	Input   any
	Context *ExecutionContext
}

// InputMap returns the step input as a map. Non-map inputs are returned under
// the "input" key.
func (r *AgentRequest) InputMap() map[string]any {
	switch v := r.Input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"input": v}
	}
}

// Decode converts the step input into v by way of its JSON encoding.
func (r *AgentRequest) Decode(v any) error {
	if r.Input == nil {
		return nil
	}
	data, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("failed to encode step input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode step input: %w", err)
	}
	return nil
}

// AgentFunc is the signature of an agent implemented as a plain function.
type AgentFunc func(ctx context.Context, req *AgentRequest) (any, error)

// AgentFunction wraps a function for use as an Agent.
type AgentFunction struct {
	name string
	fn   AgentFunc
}

// NewAgentFunction returns an Agent for the given function.
func NewAgentFunction(name string, fn AgentFunc) Agent {
	return &AgentFunction{name: name, fn: fn}
}

// Name of the Agent.
func (a *AgentFunction) Name() string {
	return a.name
}

// Execute the Agent.
func (a *AgentFunction) Execute(ctx context.Context, req *AgentRequest) (any, error) {
	return a.fn(ctx, req)
}

// TypedAgentFunction wraps a function taking a typed input. The step input is
// decoded into TInput before the function is called.
func TypedAgentFunction[TInput, TOutput any](name string, fn func(ctx context.Context, input TInput) (TOutput, error)) Agent {
	return NewAgentFunction(name, func(ctx context.Context, req *AgentRequest) (any, error) {
		var input TInput
		if err := req.Decode(&input); err != nil {
			return nil, &Error{Code: ErrorCodeValidation, Message: err.Error(), Wrapped: err}
		}
		return fn(ctx, input)
	})
}

// WaitSignal is returned by an Agent to put its step into the waiting state.
type WaitSignal struct {
	Message string
}

func (w *WaitSignal) Error() string {
	return "waiting for human input: " + w.Message
}

// WaitFor returns an error that makes the step wait for human input with the
// given message. The workflow pauses until it is resumed.
func WaitFor(message string) error {
	return &WaitSignal{Message: message}
}

// AgentRegistry is a StepExecutor that routes each step to the Agent named by
// the step. Step timeouts are enforced here.
type AgentRegistry struct {
	mutex  sync.RWMutex
	agents map[string]Agent
}

var _ StepExecutor = (*AgentRegistry)(nil)

// NewAgentRegistry returns a registry holding the given agents.
func NewAgentRegistry(agents ...Agent) *AgentRegistry {
	r := &AgentRegistry{agents: map[string]Agent{}}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register adds an agent, replacing any agent with the same name.
func (r *AgentRegistry) Register(agent Agent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.agents[agent.Name()] = agent
}

// Get returns the named agent.
func (r *AgentRegistry) Get(name string) (Agent, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

// Names returns the registered agent names in sorted order.
func (r *AgentRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the step's agent and converts its result into an Outcome.
func (r *AgentRegistry) Execute(ctx context.Context, step *Step, ec *ExecutionContext) Outcome {
	agent, ok := r.Get(step.Agent)
	if !ok {
		return Failed{Err: Errorf(ErrorCodeAgentNotFound, "agent %q not found", step.Agent).
			WithDetail("step", step.Name)}
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	output, err := agent.Execute(ctx, &AgentRequest{
		Step:    step,
		Input:   step.Input,
		Context: ec,
	})
	if err != nil {
		var wait *WaitSignal
		if errors.As(err, &wait) {
			return Waiting{Message: wait.Message}
		}
		if errors.Is(err, context.DeadlineExceeded) && step.Timeout > 0 {
			return Failed{Err: &Error{
				Code:      ErrorCodeStepTimeout,
				Message:   fmt.Sprintf("step %q timed out after %s", step.Name, step.Timeout),
				Retryable: true,
				Wrapped:   err,
			}}
		}
		return Fail(err)
	}
	return Completed{Output: output}
}
